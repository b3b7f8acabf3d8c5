package compactor

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/klmitch/turnstile-sub000/pkg/control"
	"github.com/klmitch/turnstile-sub000/pkg/limit"
)

// LimitContainer caches the configured limits indexed by UUID, refreshing
// from a LimitSource on every lookup via the checksum protocol: a source
// reporting ErrNoChange costs nothing beyond the call itself.
type LimitContainer struct {
	mu     sync.Mutex
	source control.LimitSource
	logger *zap.Logger
	sum    string
	byUUID map[string]*limit.Limit
}

// NewLimitContainer wraps a limit source in a UUID-indexed cache.
func NewLimitContainer(source control.LimitSource, logger *zap.Logger) *LimitContainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LimitContainer{
		source: source,
		logger: logger,
		byUUID: map[string]*limit.Limit{},
	}
}

// Get refreshes the cache if the source has new data and looks up one limit.
// A missing UUID is not an error at this layer; callers decide what a bucket
// without a limit means.
func (c *LimitContainer) Get(_ context.Context, uuid string) (*limit.Limit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sum, data, err := c.source.GetLimits(c.sum)
	switch {
	case err == nil:
		c.rebuild(sum, data)
	case errors.Is(err, control.ErrNoChange):
	default:
		c.logger.Error("failed to refresh limits, keeping cached copy", zap.Error(err))
	}

	l, ok := c.byUUID[uuid]
	return l, ok
}

// rebuild replaces the cache from a fresh limit list. Individual limits that
// fail to hydrate are logged and skipped so one bad entry cannot blind the
// compactor to the rest.
func (c *LimitContainer) rebuild(sum string, data []string) {
	byUUID := make(map[string]*limit.Limit, len(data))
	for _, raw := range data {
		l, err := limit.Hydrate(raw)
		if err != nil {
			c.logger.Warn("skipping undecodable limit", zap.Error(err))
			continue
		}
		byUUID[l.UUID] = l
	}
	c.sum = sum
	c.byUUID = byUUID
	c.logger.Debug("refreshed limit cache",
		zap.String("checksum", sum), zap.Int("limits", len(byUUID)))
}
