/*
Package config implements the type to pass the arguments to a chat replica
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gitzhang10/friends/sign"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3"
)

// Config defines a type to describe the configuration.
type Config struct {
	Name          string // the username messages are written under
	LogLevel      int
	ListenAddr    string
	AdvertiseAddr string // address announced to other peers, the bound listen address if empty
	Rendezvous    string // the room peers meet under
	SignalHubURL  string
	MDNS          bool
	StaticPeers   []string
	StoreBackend  string // memory, bolt, sqlite or postgres
	StorePath     string
	PostgresDSN   string
	Backlog       int // number of past messages shown on start
	MaxPeers      int
	DialTimeout   time.Duration
	PrivateKey    kyber.Scalar           // nil when messages are sent unsigned
	PublicKeyMap  map[string]kyber.Point // map from username to public key, usernames are lower-cased by viper

	v *viper.Viper
}

// Default returns a configuration for an unsigned, in-memory replica.
func Default(name string) *Config {
	return &Config{
		Name:         name,
		LogLevel:     int(hclog.Info),
		ListenAddr:   "127.0.0.1:0",
		Rendezvous:   "friends",
		StoreBackend: "memory",
		Backlog:      500,
		MaxPeers:     32,
		DialTimeout:  10 * time.Second,
		PublicKeyMap: make(map[string]kyber.Point),
	}
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	return loadConfig(configPrefix, configName, "./")
}

func loadConfig(configPrefix, configName, configPath string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath(configPath)

	viperConfig.SetDefault("log_level", int(hclog.Info))
	viperConfig.SetDefault("listen_addr", ":7070")
	viperConfig.SetDefault("rendezvous", "friends")
	viperConfig.SetDefault("store_backend", "memory")
	viperConfig.SetDefault("backlog", 500)
	viperConfig.SetDefault("max_peers", 32)
	viperConfig.SetDefault("dial_timeout", "10s")

	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:          viperConfig.GetString("name"),
		LogLevel:      viperConfig.GetInt("log_level"),
		ListenAddr:    viperConfig.GetString("listen_addr"),
		AdvertiseAddr: viperConfig.GetString("advertise_addr"),
		Rendezvous:    viperConfig.GetString("rendezvous"),
		SignalHubURL:  viperConfig.GetString("signalhub_url"),
		MDNS:          viperConfig.GetBool("mdns"),
		StaticPeers:   viperConfig.GetStringSlice("static_peers"),
		StoreBackend:  viperConfig.GetString("store_backend"),
		StorePath:     viperConfig.GetString("store_path"),
		PostgresDSN:   viperConfig.GetString("postgres_dsn"),
		Backlog:       viperConfig.GetInt("backlog"),
		MaxPeers:      viperConfig.GetInt("max_peers"),
		DialTimeout:   viperConfig.GetDuration("dial_timeout"),
		v:             viperConfig,
	}
	if conf.Name == "" {
		return nil, errors.New("name must be set in the config file")
	}

	if privKeyAsString := viperConfig.GetString("privkey"); privKeyAsString != "" {
		privKeyAsBytes, err := hex.DecodeString(privKeyAsString)
		if err != nil {
			return nil, err
		}
		conf.PrivateKey, err = sign.DecodePrivateKey(privKeyAsBytes)
		if err != nil {
			return nil, err
		}
	}

	pubKeyMapString := viperConfig.GetStringMapString("users_pubkey")
	conf.PublicKeyMap = make(map[string]kyber.Point, len(pubKeyMapString))
	for user, pkAsString := range pubKeyMapString {
		pkAsBytes, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, err
		}
		pubKey, err := sign.DecodePublicKey(pkAsBytes)
		if err != nil {
			return nil, errors.New("public key of " + user + " cannot be decoded correctly")
		}
		conf.PublicKeyMap[user] = pubKey
	}
	return conf, nil
}

// WatchLogLevel calls fn with the new level every time the config file is
// written. It does nothing for a Config that was not loaded from a file.
func (c *Config) WatchLogLevel(fn func(hclog.Level)) {
	if c.v == nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write != fsnotify.Write {
			return
		}
		fn(hclog.Level(c.v.GetInt("log_level")))
	})
	c.v.WatchConfig()
}

// Advertise returns the address other peers should dial, bound being the
// address the listener actually got.
func (c *Config) Advertise(bound string) string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return bound
}
