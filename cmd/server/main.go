package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/app"
	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
)

// newDialer resolves the configured platform driver. The real client is an
// external integration registered at link time; without one the engine runs
// but every session dial fails with a configuration error.
func newDialer(driver string) (platform.Dialer, error) {
	switch driver {
	case "", "none":
		return platform.DialerFunc(func(ctx context.Context, account model.Account) (platform.Client, error) {
			return nil, fmt.Errorf("no platform driver configured for account %s", account.Phone)
		}), nil
	default:
		return nil, fmt.Errorf("unknown platform driver %q", driver)
	}
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetDefault("server.listen_addr", ":8080")
	viper.SetDefault("storage.sqlite_path", "engine.db")
	viper.SetDefault("nats.embedded", true)
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", "2s")
	viper.SetDefault("shutdown.grace", "30s")
	viper.SetDefault("tasks.retention", "720h")
	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("No config file found, using defaults", zap.Error(err))
	}

	dialer, err := newDialer(viper.GetString("platform.driver"))
	if err != nil {
		logger.Fatal("Failed to configure platform driver", zap.Error(err))
	}

	application, err := app.New(logger, app.Options{
		ListenAddr:        viper.GetString("server.listen_addr"),
		SQLitePath:        viper.GetString("storage.sqlite_path"),
		NATSEmbedded:      viper.GetBool("nats.embedded"),
		NATSURL:           viper.GetString("nats.url"),
		NATSName:          viper.GetString("app.name"),
		NATSMaxReconnects: viper.GetInt("nats.max_reconnects"),
		NATSReconnectWait: viper.GetDuration("nats.reconnect_wait"),
		ShutdownGrace:     viper.GetDuration("shutdown.grace"),
		TaskRetention:     viper.GetDuration("tasks.retention"),
		Dialer:            dialer,
	})
	if err != nil {
		logger.Fatal("Failed to build application", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := application.Run(ctx); err != nil {
		logger.Fatal("Application error", zap.Error(err))
	}
}
