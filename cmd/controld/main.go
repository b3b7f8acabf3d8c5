package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/klmitch/turnstile-sub000/internal/logging"
	"github.com/klmitch/turnstile-sub000/pkg/control"
	"github.com/klmitch/turnstile-sub000/pkg/remote"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

// main launches controld.
func main() {
	os.Exit(run())
}

// run executes controld and returns an exit code.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to controld config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		_ = client.Close()
	}()
	s := store.NewRedis(client)

	controlCfg := control.Config{
		Channel:       cfg.Control.Channel,
		LimitsKey:     cfg.Control.LimitsKey,
		ErrorsKey:     cfg.Control.ErrorsKey,
		ErrorsChannel: cfg.Control.ErrorsChannel,
		NodeName:      cfg.Control.NodeName,
		ReloadSpread:  cfg.Control.ReloadSpread,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Remote.Enabled {
		daemon, err := remote.NewRemoteControlDaemon(s, logger, controlCfg, remote.DaemonConfig{
			Host:    cfg.Remote.Host,
			Port:    cfg.Remote.Port,
			AuthKey: cfg.Remote.AuthKey,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "remote daemon error: %v\n", err)
			return 1
		}
		logger.Info("serving remote control daemon",
			zap.String("addr", fmt.Sprintf("%s:%d", cfg.Remote.Host, cfg.Remote.Port)))
		if err := daemon.Serve(ctx); err != nil {
			logger.Error("remote control daemon failed", zap.Error(err))
			return 1
		}
		return 0
	}

	daemon := control.NewDaemon(s, logger, controlCfg)
	if err := daemon.Start(ctx); err != nil {
		logger.Error("control daemon failed to start", zap.Error(err))
		return 1
	}
	logger.Info("control daemon running",
		zap.String("channel", daemon.Config().Channel))
	<-ctx.Done()
	return 0
}
