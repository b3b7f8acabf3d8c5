package limit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/klmitch/turnstile-sub000/pkg/bucket"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

// ErrDeferLimit is the veto signal a filter hook returns when this limit
// should not apply to the current request at all.
var ErrDeferLimit = errors.New("limit deferred")

// DefaultCompactorQueue is the sorted set compaction work is queued on.
const DefaultCompactorQueue = "compactor"

// logKeyTTL is the defensive expiry stamped on a bucket log before anything
// is appended, so an abandoned log cannot grow unbounded.
const logKeyTTL = 60 * time.Second

// FilterHook lets a limit class adjust the parameters that select a bucket.
// It may mutate used in place (those values become part of the bucket key),
// return extra parameters to merge into the update record, or veto the limit
// with ErrDeferLimit.
type FilterHook interface {
	Filter(env *RequestEnv, used, unused map[string]any) (map[string]any, error)
}

// RouteHook lets a limit class adjust how its URI is registered.
type RouteHook interface {
	Route(uri string, args map[string]any) string
}

// Delay is one pending throttle decision; the middleware surfaces the
// longest delay collected across all matching limits.
type Delay struct {
	Seconds float64
	Limit   *Limit
	Bucket  *bucket.Bucket
}

// RequestEnv is the per-request context the middleware hands to Evaluate.
type RequestEnv struct {
	Verb  string
	Path  string
	Query url.Values

	// BucketSet, when non-empty, names a sorted set every touched bucket
	// key is added to, scored by expiry, for observability tooling.
	BucketSet string

	// Delays collects the throttle decisions made for this request.
	Delays []Delay

	// Clock overrides the request timestamp source; nil means wall clock.
	Clock func() float64
}

// now returns the current request time in Unix seconds.
func (e *RequestEnv) now() float64 {
	if e.Clock != nil {
		return e.Clock()
	}
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// CompactionConfig tells Evaluate when a bucket log is due for compaction.
// A MaxUpdates of zero disables compaction scheduling entirely.
type CompactionConfig struct {
	MaxUpdates int
	MaxAge     float64
	QueueKey   string
}

// queue returns the configured work-queue key.
func (c CompactionConfig) queue() string {
	if c.QueueKey == "" {
		return DefaultCompactorQueue
	}
	return c.QueueKey
}

// Evaluate feeds one request through this limit's bucket: append an update
// record to the log, replay it to materialize current state, and record any
// required delay in the request environment. The boolean result tells the
// caller whether to stop scanning further limits for this request.
func (l *Limit) Evaluate(ctx context.Context, s store.Store, env *RequestEnv, params map[string]any, comp CompactionConfig) (bool, error) {
	// A limit with required query parameters only applies when they are
	// all present on the request.
	for _, name := range l.Queries {
		if !env.Query.Has(name) {
			return false, nil
		}
	}

	used := map[string]any{}
	unused := map[string]any{}
	for name, value := range params {
		if l.uses(name) {
			used[name] = value
		} else {
			unused[name] = value
		}
	}

	var extra map[string]any
	if l.filter != nil {
		var err error
		extra, err = l.filter.Filter(env, used, unused)
		if errors.Is(err, ErrDeferLimit) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}

	key, err := l.BucketKey(used)
	if err != nil {
		return false, err
	}
	now := env.now()

	if l.keyVersion() < 2 {
		return l.evaluateV1(ctx, s, env, key, params, used, unused, extra, now)
	}

	// The log gets a short TTL before the append so that a log nothing
	// ever reads back still drains out of the store.
	if err := s.Expire(ctx, key, logKeyTTL); err != nil {
		return false, fmt.Errorf("expire bucket log %s: %w", key, err)
	}

	recordParams := make(map[string]any, len(used)+len(extra))
	for name, value := range used {
		recordParams[name] = value
	}
	for name, value := range extra {
		recordParams[name] = value
	}
	record := bucket.NewUpdateRecord(recordParams, now)
	raw, err := record.Marshal()
	if err != nil {
		return false, err
	}
	if err := s.RPush(ctx, key, raw); err != nil {
		return false, fmt.Errorf("append bucket update %s: %w", key, err)
	}

	mergeBack(params, used, unused, extra)

	raws, err := s.LRange(ctx, key, 0, -1)
	if err != nil {
		return false, fmt.Errorf("read bucket log %s: %w", key, err)
	}
	loader, err := bucket.Replay(l.BucketParams(), key, raws, record.UUID, false)
	if err != nil {
		return false, err
	}

	if comp.MaxUpdates > 0 && loader.NeedSummary(now, comp.MaxUpdates, comp.MaxAge) {
		// The summarize marker must land in the log before the key is
		// queued; a crash in between leaves the compactor a key it
		// will simply re-examine, while the reverse order could race
		// two compactors onto an unmarked bucket.
		marker := bucket.NewSummarizeRecord(now)
		markerRaw, err := marker.Marshal()
		if err != nil {
			return false, err
		}
		if err := s.RPush(ctx, key, markerRaw); err != nil {
			return false, fmt.Errorf("append summarize marker %s: %w", key, err)
		}
		if err := s.ZAdd(ctx, comp.queue(), store.ZMember{Member: key, Score: now}); err != nil {
			return false, fmt.Errorf("queue compaction of %s: %w", key, err)
		}
	}

	if err := s.ExpireAt(ctx, key, time.Unix(loader.Bucket.ExpireAt(), 0)); err != nil {
		return false, fmt.Errorf("expire bucket log %s: %w", key, err)
	}

	if loader.Limited {
		env.Delays = append(env.Delays, Delay{Seconds: loader.Delay, Limit: l, Bucket: loader.Bucket})
	}
	if env.BucketSet != "" {
		err := s.ZAdd(ctx, env.BucketSet, store.ZMember{Member: key, Score: float64(loader.Bucket.ExpireAt())})
		if err != nil {
			return false, fmt.Errorf("record bucket key in %s: %w", env.BucketSet, err)
		}
	}
	return !l.ContinueScan, nil
}

// evaluateV1 handles version-1 keys, which store the bucket as one
// serialized value updated under optimistic concurrency instead of a log.
func (l *Limit) evaluateV1(ctx context.Context, s store.Store, env *RequestEnv, key string, params, used, unused, extra map[string]any, now float64) (bool, error) {
	bucketParams := l.BucketParams()
	var delay float64
	var limited bool
	persisted, err := store.SafeUpdate(ctx, s, key,
		func(raw string) (*persistedBucket, error) {
			var snap bucket.Snapshot
			if err := json.Unmarshal([]byte(raw), &snap); err != nil {
				return nil, fmt.Errorf("hydrate bucket %s: %w", key, err)
			}
			return &persistedBucket{bucket.Hydrate(bucketParams, key, &snap)}, nil
		},
		func() *persistedBucket {
			return &persistedBucket{bucket.New(bucketParams, key)}
		},
		func(obj *persistedBucket) error {
			delay, limited = obj.bucket.Delay(used, now)
			return nil
		},
	)
	if err != nil {
		return false, err
	}

	mergeBack(params, used, unused, extra)

	if limited {
		env.Delays = append(env.Delays, Delay{Seconds: delay, Limit: l, Bucket: persisted.bucket})
	}
	if env.BucketSet != "" {
		err := s.ZAdd(ctx, env.BucketSet, store.ZMember{Member: key, Score: float64(persisted.bucket.ExpireAt())})
		if err != nil {
			return false, fmt.Errorf("record bucket key in %s: %w", env.BucketSet, err)
		}
	}
	return !l.ContinueScan, nil
}

// persistedBucket adapts a bucket to the store's update protocol.
type persistedBucket struct {
	bucket *bucket.Bucket
}

// Dehydrate serializes the bucket snapshot.
func (p *persistedBucket) Dehydrate() (string, error) {
	raw, err := json.Marshal(p.bucket.Snapshot())
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ExpireAt exposes the bucket's drain time as the entry TTL.
func (p *persistedBucket) ExpireAt() (time.Time, bool) {
	return time.Unix(p.bucket.ExpireAt(), 0), true
}

// uses reports whether a parameter participates in the bucket key.
func (l *Limit) uses(name string) bool {
	for _, candidate := range l.Use {
		if candidate == name {
			return true
		}
	}
	return false
}

// mergeBack folds the final parameter view into the caller's map so
// downstream limits and the middleware see everything: hook-mutated used
// values, untouched unused values, and hook-supplied extras.
func mergeBack(params, used, unused, extra map[string]any) {
	for name, value := range used {
		params[name] = value
	}
	for name, value := range unused {
		params[name] = value
	}
	for name, value := range extra {
		params[name] = value
	}
}
