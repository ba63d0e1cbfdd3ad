package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gitzhang10/friends/sign"
	"github.com/hashicorp/go-hclog"
)

func TestConfigRead(t *testing.T) {
	config, err := LoadConfig("", "config_test")
	if err != nil {
		t.Fatal(err)
	}

	fmt.Println("name:", config.Name)
	fmt.Println("listen_addr:", config.ListenAddr)
	fmt.Println("static_peers:", config.StaticPeers)
	fmt.Println("store_backend:", config.StoreBackend)
	fmt.Println("log_level:", config.LogLevel)

	if config.Name != "alice" {
		t.Errorf("name = %q, want alice", config.Name)
	}
	if len(config.StaticPeers) != 2 {
		t.Errorf("static_peers = %v, want 2 peers", config.StaticPeers)
	}
	if config.DialTimeout != 5*time.Second {
		t.Errorf("dial_timeout = %v, want 5s", config.DialTimeout)
	}
	if config.Advertise("[::]:7071") != "192.168.1.10:7071" {
		t.Errorf("advertise = %q", config.Advertise("[::]:7071"))
	}
	if config.PrivateKey == nil {
		t.Fatal("private key was not loaded")
	}
	pub, ok := config.PublicKeyMap["alice"]
	if !ok {
		t.Fatal("public key of alice was not loaded")
	}
	if !sign.PublicKey(config.PrivateKey).Equal(pub) {
		t.Error("public key does not match the private key")
	}
}

func TestDefault(t *testing.T) {
	conf := Default("bob")
	if conf.StoreBackend != "memory" || conf.Backlog != 500 {
		t.Errorf("unexpected defaults: %+v", conf)
	}
	if conf.Advertise("127.0.0.1:41000") != "127.0.0.1:41000" {
		t.Errorf("advertise = %q, want the bound addr", conf.Advertise("127.0.0.1:41000"))
	}
}

func TestWatchLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.yaml")
	if err := os.WriteFile(path, []byte("name: carol\nlog_level: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	config, err := loadConfig("", "watched", dir)
	if err != nil {
		t.Fatal(err)
	}
	if config.LogLevel != int(hclog.Info) {
		t.Fatalf("log_level = %d, want %d", config.LogLevel, hclog.Info)
	}

	levels := make(chan hclog.Level, 16)
	config.WatchLogLevel(func(level hclog.Level) {
		select {
		case levels <- level:
		default:
		}
	})
	if err := os.WriteFile(path, []byte("name: carol\nlog_level: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case level := <-levels:
			if level == hclog.Error {
				return
			}
		case <-timeout:
			t.Fatal("log level change was not reported")
		}
	}
}

func TestWatchLogLevelWithoutFile(t *testing.T) {
	called := false
	Default("bob").WatchLogLevel(func(hclog.Level) { called = true })
	if called {
		t.Error("callback called for a config without a file")
	}
}
