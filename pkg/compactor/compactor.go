// Package compactor implements the background process that rewrites
// quiesced bucket update logs into single snapshot records, bounding log
// growth without disturbing concurrent writers.
package compactor

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klmitch/turnstile-sub000/pkg/bucket"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

//go:embed compactor_pop.lua
var popScript string

// Config holds the compactor's queue and timing settings.
type Config struct {
	// QueueKey is the sorted set of bucket keys awaiting compaction,
	// scored by enqueue time.
	QueueKey string

	// LockKey guards the client-side pop fallback across processes.
	LockKey string

	// MinAge is how long a key must have sat in the queue before it is
	// considered quiesced; MaxAge is the point past which a queue entry
	// is presumed stale and dropped unconditionally.
	MinAge float64
	MaxAge float64

	// IdleSleep is the pause between polls when the queue is empty.
	IdleSleep time.Duration
}

// withDefaults fills in conventional settings.
func (c Config) withDefaults() Config {
	if c.QueueKey == "" {
		c.QueueKey = "compactor"
	}
	if c.LockKey == "" {
		c.LockKey = "compactor_lock"
	}
	if c.MinAge <= 0 {
		c.MinAge = 30
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 600
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 5 * time.Second
	}
	return c
}

// BucketKeyGetter pops the next bucket key due for compaction. An empty
// string means nothing is eligible right now.
type BucketKeyGetter interface {
	Get(ctx context.Context, now float64) (string, error)
}

// NewBucketKeyGetter probes the store's scripting capability and returns the
// atomic server-side getter when available, falling back to the client-side
// lock-guarded pop otherwise. The two behave identically.
func NewBucketKeyGetter(ctx context.Context, s store.Store, config Config, logger *zap.Logger) BucketKeyGetter {
	config = config.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := s.Eval(ctx, "return 1", nil); errors.Is(err, store.ErrScriptingUnsupported) {
		logger.Info("store has no scripting support, using lock-guarded queue pop")
		return &lockBucketKeyGetter{store: s, config: config}
	}
	return &scriptBucketKeyGetter{store: s, config: config}
}

// scriptBucketKeyGetter pops via a server-side script, pruning stale entries
// and removing the popped key in one atomic step.
type scriptBucketKeyGetter struct {
	store  store.Store
	config Config
}

// Get runs the pop script.
func (g *scriptBucketKeyGetter) Get(ctx context.Context, now float64) (string, error) {
	result, err := g.store.Eval(ctx, popScript, []string{g.config.QueueKey},
		now-g.config.MaxAge, now-g.config.MinAge)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop compaction queue: %w", err)
	}
	key, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected pop result of type %T: %v", result, result)
	}
	return key, nil
}

// lockBucketKeyGetter pops under a store-side lock, for stores that cannot
// run scripts. Failure to win the lock is treated as an idle poll.
type lockBucketKeyGetter struct {
	store  store.Store
	config Config
}

// lockTTL bounds how long a crashed holder can wedge the queue.
const lockTTL = 30 * time.Second

// Get prunes stale entries and pops the oldest quiesced key.
func (g *lockBucketKeyGetter) Get(ctx context.Context, now float64) (string, error) {
	token := uuid.NewString()
	acquired, err := g.store.SetNX(ctx, g.config.LockKey, token, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire compactor lock: %w", err)
	}
	if !acquired {
		return "", nil
	}
	defer func() {
		// Release only if the lock is still ours.
		if held, err := g.store.Get(ctx, g.config.LockKey); err == nil && held == token {
			_ = g.store.Del(ctx, g.config.LockKey)
		}
	}()

	if err := g.store.ZRemRangeByScore(ctx, g.config.QueueKey, math.Inf(-1), now-g.config.MaxAge); err != nil {
		return "", fmt.Errorf("prune compaction queue: %w", err)
	}
	eligible, err := g.store.ZRangeByScore(ctx, g.config.QueueKey, math.Inf(-1), now-g.config.MinAge)
	if err != nil {
		return "", fmt.Errorf("read compaction queue: %w", err)
	}
	if len(eligible) == 0 {
		return "", nil
	}
	key := eligible[0]
	if err := g.store.ZRem(ctx, g.config.QueueKey, key); err != nil {
		return "", fmt.Errorf("remove %s from compaction queue: %w", key, err)
	}
	return key, nil
}

// Compactor drains the work queue, rewriting each popped bucket's log.
type Compactor struct {
	store     store.Store
	container *LimitContainer
	getter    BucketKeyGetter
	config    Config
	logger    *zap.Logger
	clock     func() float64
}

// New assembles a compactor.
func New(s store.Store, container *LimitContainer, getter BucketKeyGetter, config Config, logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		store:     s,
		container: container,
		getter:    getter,
		config:    config.withDefaults(),
		logger:    logger,
		clock: func() float64 {
			return float64(time.Now().UnixNano()) / float64(time.Second)
		},
	}
}

// SetClock overrides the compactor's time source for tests.
func (c *Compactor) SetClock(clock func() float64) {
	c.clock = clock
}

// Run consumes the work queue until the context ends. Per-key failures are
// logged and never stop the loop.
func (c *Compactor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		key, err := c.getter.Get(ctx, c.clock())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to pop compaction queue", zap.Error(err))
			c.idle(ctx)
			continue
		}
		if key == "" {
			c.idle(ctx)
			continue
		}
		c.compactKey(ctx, key)
	}
}

// idle waits out the configured sleep or the context.
func (c *Compactor) idle(ctx context.Context) {
	select {
	case <-time.After(c.config.IdleSleep):
	case <-ctx.Done():
	}
}

// compactKey compacts one popped bucket key.
func (c *Compactor) compactKey(ctx context.Context, key string) {
	parsed, err := bucket.ParseKey(key)
	if err != nil {
		c.logger.Error("ignoring unparseable bucket key",
			zap.String("key", key), zap.Error(err))
		return
	}
	if parsed.Version < 2 {
		c.logger.Warn("ignoring version-1 bucket key", zap.String("key", key))
		return
	}
	lim, ok := c.container.Get(ctx, parsed.UUID)
	if !ok {
		// The limit was deleted after buckets existed for it.
		c.logger.Warn("no limit for bucket key",
			zap.String("key", key), zap.String("uuid", parsed.UUID))
		return
	}
	if err := CompactBucket(ctx, c.store, key, lim.BucketParams()); err != nil {
		if errors.Is(err, ErrRecordLost) {
			c.logger.Info("compaction reference record vanished, abandoning round",
				zap.String("key", key))
			return
		}
		c.logger.Error("failed to compact bucket",
			zap.String("key", key), zap.Error(err))
		return
	}
	c.logger.Debug("compacted bucket", zap.String("key", key))
}
