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
	"github.com/klmitch/turnstile-sub000/pkg/compactor"
	"github.com/klmitch/turnstile-sub000/pkg/control"
	"github.com/klmitch/turnstile-sub000/pkg/limit"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

// main launches compactord.
func main() {
	os.Exit(run())
}

// run executes compactord and returns an exit code.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to compactord config")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The compactor rides the same control channel as everything else, so
	// a "reload" ping refreshes its limit cache too.
	daemon := control.NewDaemon(s, logger, control.Config{
		Channel:   cfg.Control.Channel,
		LimitsKey: cfg.Control.LimitsKey,
		NodeName:  cfg.Control.NodeName,
	})
	if err := daemon.Start(ctx); err != nil {
		logger.Error("control daemon failed to start", zap.Error(err))
		return 1
	}

	queueKey := cfg.Compactor.QueueKey
	if queueKey == "" {
		queueKey = limit.DefaultCompactorQueue
	}
	compactorCfg := compactor.Config{
		QueueKey:  queueKey,
		LockKey:   cfg.Compactor.LockKey,
		MinAge:    cfg.Compactor.MinAge,
		MaxAge:    cfg.Compactor.MaxAge,
		IdleSleep: cfg.idleSleep(),
	}
	container := compactor.NewLimitContainer(daemon.Limits(), logger)
	getter := compactor.NewBucketKeyGetter(ctx, s, compactorCfg, logger)
	comp := compactor.New(s, container, getter, compactorCfg, logger)

	logger.Info("compactor running", zap.String("queue", compactorCfg.QueueKey))
	if err := comp.Run(ctx); err != nil {
		logger.Error("compactor failed", zap.Error(err))
		return 1
	}
	return 0
}
