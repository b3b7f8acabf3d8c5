package limit

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/klmitch/turnstile-sub000/internal/testutil"
	"github.com/klmitch/turnstile-sub000/pkg/bucket"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

// testStore returns a memory store whose TTL clock matches the fake request
// timestamps the tests use.
func testStore() *store.Memory {
	return store.NewMemoryWithClock(testutil.NewFakeClock(time.Unix(1000, 0)).Now)
}

// testEnv builds a request environment pinned to a fixed timestamp.
func testEnv(now float64) *RequestEnv {
	return &RequestEnv{
		Verb:      "GET",
		Path:      "/widgets",
		Query:     url.Values{},
		BucketSet: "buckets",
		Clock:     func() float64 { return now },
	}
}

func TestEvaluateThrottlesAtCapacity(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	l := New("/widgets", 10, bucket.UnitSecond)
	l.Use = []string{"user"}
	env := testEnv(1000)

	for i := 0; i < 10; i++ {
		stop, err := l.Evaluate(ctx, s, env, map[string]any{"user": "alice"}, CompactionConfig{})
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		if !stop {
			t.Fatalf("evaluate %d: expected scan to stop", i)
		}
	}
	if len(env.Delays) != 0 {
		t.Fatalf("expected no delays within capacity, got %v", env.Delays)
	}

	if _, err := l.Evaluate(ctx, s, env, map[string]any{"user": "alice"}, CompactionConfig{}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(env.Delays) != 1 {
		t.Fatalf("expected 1 delay, got %d", len(env.Delays))
	}
	if d := env.Delays[0]; d.Seconds < 0.09 || d.Seconds > 0.11 || d.Limit != l {
		t.Fatalf("unexpected delay %+v", d)
	}

	// Every evaluation appended one update record.
	key, _ := l.BucketKey(map[string]any{"user": "alice"})
	raws, _ := s.LRange(ctx, key, 0, -1)
	if len(raws) != 11 {
		t.Fatalf("expected 11 log records, got %d", len(raws))
	}

	// The touched bucket key is recorded for observers.
	members, _ := s.ZRange(ctx, "buckets", 0, -1)
	if len(members) != 1 || members[0] != key {
		t.Fatalf("expected bucket set to hold %q, got %v", key, members)
	}
}

func TestEvaluateIsolatesBucketsByUsedParams(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	l := New("/widgets", 10, bucket.UnitSecond)
	l.Use = []string{"user"}
	env := testEnv(1000)

	for i := 0; i < 10; i++ {
		if _, err := l.Evaluate(ctx, s, env, map[string]any{"user": "alice"}, CompactionConfig{}); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	// A different user gets a different bucket, so no throttling.
	if _, err := l.Evaluate(ctx, s, env, map[string]any{"user": "bob"}, CompactionConfig{}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(env.Delays) != 0 {
		t.Fatalf("expected no delays, got %v", env.Delays)
	}
}

func TestEvaluateQueryGate(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	l := New("/widgets", 10, bucket.UnitSecond)
	l.Queries = []string{"user"}
	env := testEnv(1000)

	stop, err := l.Evaluate(ctx, s, env, nil, CompactionConfig{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if stop {
		t.Fatal("expected scan to continue when required query is absent")
	}
	if members, _ := s.ZRange(ctx, "buckets", 0, -1); len(members) != 0 {
		t.Fatalf("expected no bucket writes, got %v", members)
	}

	env.Query.Set("user", "alice")
	stop, err = l.Evaluate(ctx, s, env, nil, CompactionConfig{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !stop {
		t.Fatal("expected limit to apply once the query is present")
	}
}

func TestEvaluateContinueScan(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	l := New("/widgets", 10, bucket.UnitSecond)
	l.ContinueScan = true

	stop, err := l.Evaluate(ctx, s, testEnv(1000), nil, CompactionConfig{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if stop {
		t.Fatal("expected scan to continue past a continue_scan limit")
	}
}

// deferringFilter vetoes every request.
type deferringFilter struct{}

func (deferringFilter) Filter(*RequestEnv, map[string]any, map[string]any) (map[string]any, error) {
	return nil, ErrDeferLimit
}

// taggingFilter attaches an extra parameter to every update.
type taggingFilter struct{}

func (taggingFilter) Filter(*RequestEnv, map[string]any, map[string]any) (map[string]any, error) {
	return map[string]any{"region": "eu"}, nil
}

func TestEvaluateFilterDefer(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	l := New("/widgets", 10, bucket.UnitSecond)
	l.SetHooks(deferringFilter{}, nil)
	env := testEnv(1000)

	stop, err := l.Evaluate(ctx, s, env, map[string]any{"user": "alice"}, CompactionConfig{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if stop {
		t.Fatal("expected a deferred limit to be skipped")
	}
	if members, _ := s.ZRange(ctx, "buckets", 0, -1); len(members) != 0 {
		t.Fatalf("expected no bucket writes, got %v", members)
	}
}

func TestEvaluateFilterExtraMergesBack(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	l := New("/widgets", 10, bucket.UnitSecond)
	l.Use = []string{"user"}
	l.SetHooks(taggingFilter{}, nil)
	params := map[string]any{"user": "alice", "trace": "t1"}

	if _, err := l.Evaluate(ctx, s, testEnv(1000), params, CompactionConfig{}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	// The hook's extra parameter is visible to downstream limits.
	if params["region"] != "eu" || params["trace"] != "t1" {
		t.Fatalf("expected merged params, got %v", params)
	}

	// And it rode along in the update record.
	key, _ := l.BucketKey(map[string]any{"user": "alice"})
	raws, _ := s.LRange(ctx, key, 0, -1)
	if len(raws) != 1 {
		t.Fatalf("expected 1 log record, got %d", len(raws))
	}
	record, err := bucket.ParseRecord(raws[0])
	if err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if record.Update.Params["region"] != "eu" || record.Update.Params["user"] != "alice" {
		t.Fatalf("unexpected record params %v", record.Update.Params)
	}
}

func TestEvaluateSchedulesCompaction(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	l := New("/widgets", 10, bucket.UnitSecond)
	comp := CompactionConfig{MaxUpdates: 3, MaxAge: 60}
	env := testEnv(1000)

	for i := 0; i < 3; i++ {
		if _, err := l.Evaluate(ctx, s, env, nil, comp); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}

	key, _ := l.BucketKey(map[string]any{})
	raws, _ := s.LRange(ctx, key, 0, -1)
	if len(raws) != 4 {
		t.Fatalf("expected 3 updates plus a marker, got %d records", len(raws))
	}
	last, err := bucket.ParseRecord(raws[3])
	if err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if last.Summarize == nil || *last.Summarize != 1000 {
		t.Fatalf("expected a summarize marker at 1000, got %+v", last)
	}
	queued, _ := s.ZRangeWithScores(ctx, DefaultCompactorQueue, 0, -1)
	if len(queued) != 1 || queued[0].Member != key || queued[0].Score != 1000 {
		t.Fatalf("expected %q queued at 1000, got %v", key, queued)
	}

	// A pending marker suppresses rescheduling until it goes stale.
	if _, err := l.Evaluate(ctx, s, env, nil, comp); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	raws, _ = s.LRange(ctx, key, 0, -1)
	if len(raws) != 5 {
		t.Fatalf("expected no second marker, got %d records", len(raws))
	}

	// Once the marker is old enough to be presumed lost, it is replaced.
	env.Clock = func() float64 { return 1100 }
	if _, err := l.Evaluate(ctx, s, env, nil, comp); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	raws, _ = s.LRange(ctx, key, 0, -1)
	stale, err := bucket.ParseRecord(raws[len(raws)-1])
	if err != nil {
		t.Fatalf("parse record: %v", err)
	}
	if stale.Summarize == nil || *stale.Summarize != 1100 {
		t.Fatalf("expected a fresh marker at 1100, got %+v", stale)
	}
}

func TestEvaluateVersion1(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	l := New("/widgets", 10, bucket.UnitSecond)
	l.KeyVersion = 1
	env := testEnv(1000)

	for i := 0; i < 10; i++ {
		if _, err := l.Evaluate(ctx, s, env, nil, CompactionConfig{}); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}
	if len(env.Delays) != 0 {
		t.Fatalf("expected no delays within capacity, got %v", env.Delays)
	}
	if _, err := l.Evaluate(ctx, s, env, nil, CompactionConfig{}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(env.Delays) != 1 {
		t.Fatalf("expected 1 delay, got %d", len(env.Delays))
	}

	// Version-1 buckets persist as a single serialized snapshot.
	key, _ := l.BucketKey(map[string]any{})
	raw, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	var snap bucket.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Level < 0.99 || snap.Level > 1.01 {
		t.Fatalf("expected a full bucket, got %+v", snap)
	}
}
