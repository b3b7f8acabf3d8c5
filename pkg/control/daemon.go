package control

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/klmitch/turnstile-sub000/pkg/store"
)

// Config holds the control-plane settings a daemon runs with.
type Config struct {
	// Channel is the pub/sub channel control messages arrive on.
	Channel string

	// LimitsKey is the sorted set holding the ranked limit list.
	LimitsKey string

	// ErrorsKey and ErrorsChannel receive reload-failure diagnostics.
	ErrorsKey     string
	ErrorsChannel string

	// NodeName identifies this process in ping replies; may be empty.
	NodeName string

	// ReloadSpread, when positive, staggers reloads triggered without an
	// explicit type by a uniformly random delay in [0, ReloadSpread)
	// seconds, so a fleet does not stampede the store.
	ReloadSpread float64
}

// withDefaults fills in the conventional key and channel names.
func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = "control"
	}
	if c.LimitsKey == "" {
		c.LimitsKey = "limits"
	}
	if c.ErrorsKey == "" {
		c.ErrorsKey = "errors"
	}
	if c.ErrorsChannel == "" {
		c.ErrorsChannel = "errors"
	}
	return c
}

// Daemon listens on the control channel and keeps the process-local limit
// cache synchronized with the store.
type Daemon struct {
	store  store.Store
	logger *zap.Logger
	config Config
	limits LimitSource

	// pending is a one-slot semaphore: a reload already in flight causes
	// concurrent triggers to drop, not queue.
	pending chan struct{}
}

// NewDaemon creates a control daemon with its own LimitData cache.
func NewDaemon(s store.Store, logger *zap.Logger, config Config) *Daemon {
	return NewDaemonWithLimits(s, logger, config, NewLimitData())
}

// NewDaemonWithLimits creates a control daemon around an existing limit
// cache, which multi-process compositions share with their RPC layer.
func NewDaemonWithLimits(s store.Store, logger *zap.Logger, config Config, limits LimitSource) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		store:   s,
		logger:  logger,
		config:  config.withDefaults(),
		limits:  limits,
		pending: make(chan struct{}, 1),
	}
}

// Limits exposes the daemon's limit cache.
func (d *Daemon) Limits() LimitSource {
	return d.limits
}

// Config returns the daemon's effective configuration.
func (d *Daemon) Config() Config {
	return d.config
}

// Start subscribes to the control channel and performs the initial reload.
// The listener runs until the subscription or the context ends.
func (d *Daemon) Start(ctx context.Context) error {
	sub, err := d.store.Subscribe(ctx, d.config.Channel)
	if err != nil {
		return fmt.Errorf("subscribe to %q: %w", d.config.Channel, err)
	}
	go d.listen(ctx, sub)
	d.Reload(ctx)
	return nil
}

// listen dispatches control messages until the subscription dies. Nothing a
// message does can take the listener down.
func (d *Daemon) listen(ctx context.Context, sub store.Subscription) {
	defer func() {
		_ = sub.Close()
	}()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("control channel listener stopped", zap.Error(err))
			}
			return
		}
		d.dispatch(ctx, msg.Payload)
	}
}

// dispatch parses one "command[:arg]*" control message and runs it.
func (d *Daemon) dispatch(ctx context.Context, payload string) {
	parts := strings.Split(payload, ":")
	name := parts[0]
	if strings.HasPrefix(name, "_") {
		d.logger.Error("cannot call internal command", zap.String("command", name))
		return
	}
	command, ok := lookupCommand(name)
	if !ok {
		d.logger.Error("unknown command", zap.String("command", name))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command panicked",
				zap.String("command", name), zap.Any("panic", r))
		}
	}()
	if err := command(ctx, d, parts[1:]); err != nil {
		d.logger.Error("command failed",
			zap.String("command", name), zap.Error(err))
	}
}

// Reload reads the ranked limit list from the store and installs it into the
// limit cache. Concurrent triggers coalesce: if a reload is already running,
// the call returns immediately. Failures are logged and surfaced through the
// error set and error channel, never propagated.
func (d *Daemon) Reload(ctx context.Context) {
	select {
	case d.pending <- struct{}{}:
	default:
		return
	}
	defer func() {
		<-d.pending
	}()

	raw, err := d.store.ZRange(ctx, d.config.LimitsKey, 0, -1)
	if err == nil {
		err = d.limits.SetLimits(raw)
	}
	if err == nil {
		d.logger.Info("limits reloaded", zap.Int("count", len(raw)))
		return
	}

	d.logger.Error("failed to load limits", zap.Error(err))
	msg := fmt.Sprintf("Failed to load limits: %v", err)
	if saddErr := d.store.SAdd(ctx, d.config.ErrorsKey, msg); saddErr != nil {
		d.logger.Error("failed to record reload error", zap.Error(saddErr))
	}
	if pubErr := d.store.Publish(ctx, d.config.ErrorsChannel, msg); pubErr != nil {
		d.logger.Error("failed to publish reload error", zap.Error(pubErr))
	}
}
