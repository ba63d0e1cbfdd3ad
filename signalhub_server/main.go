/*
Package main in the directory signalhub_server runs the rendezvous hub.
It is configured from signalhub.yaml in the working directory or from
environment variables prefixed with SIGNALHUB. Several hubs can share one
redis server to relay between each other's clients.
*/
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gitzhang10/friends/signalhub"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

func loadConfig() *viper.Viper {
	viperConfig := viper.New()
	viperConfig.SetEnvPrefix("signalhub")
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName("signalhub")
	viperConfig.AddConfigPath("./")

	viperConfig.SetDefault("listen_addr", ":8080")
	viperConfig.SetDefault("redis_addr", "")
	viperConfig.SetDefault("rate", 10)
	viperConfig.SetDefault("burst", 10)
	viperConfig.SetDefault("max_message_size", 4096)
	viperConfig.SetDefault("log_level", int(hclog.Info))

	if err := viperConfig.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}
	return viperConfig
}

func main() {
	conf := loadConfig()
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "friends-signalhub",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.GetInt("log_level")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var broker signalhub.Broker
	if redisAddr := conf.GetString("redis_addr"); redisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		redisBroker, err := signalhub.NewRedisBroker(pingCtx, redisAddr, logger.Named("redis"))
		cancel()
		if err != nil {
			panic(err)
		}
		broker = redisBroker
	} else {
		broker = signalhub.NewMemoryBroker(logger)
	}
	defer broker.Close()

	hub := signalhub.NewServer(signalhub.Config{
		Broker:         broker,
		Logger:         logger,
		Rate:           rate.Limit(conf.GetFloat64("rate")),
		Burst:          conf.GetInt("burst"),
		MaxMessageSize: conf.GetInt64("max_message_size"),
	})
	srv := &http.Server{
		Addr:              conf.GetString("listen_addr"),
		Handler:           hub,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = hub.Close()
	}()

	logger.Info("signal hub is running", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		panic(err)
	}
	hub.Wait()
}
