package compactor

import (
	"context"
	"errors"
	"testing"

	"github.com/klmitch/turnstile-sub000/pkg/bucket"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

var tenPerSecond = bucket.Params{Cost: 0.1, UnitSeconds: 1, Value: 10}

// buildLog appends records to a bucket log and returns their raw forms.
func buildLog(t *testing.T, s store.Store, key string, records ...bucket.Record) []string {
	t.Helper()
	raws := make([]string, len(records))
	for i, record := range records {
		raw, err := record.Marshal()
		if err != nil {
			t.Fatalf("marshal record: %v", err)
		}
		if err := s.RPush(context.Background(), key, raw); err != nil {
			t.Fatalf("rpush: %v", err)
		}
		raws[i] = raw
	}
	return raws
}

func TestCompactBucketRewritesHead(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	key := "bucket_v2:abc"

	marker := bucket.NewSummarizeRecord(1000.02)
	tail := bucket.NewUpdateRecord(nil, 1000.03)
	buildLog(t, s, key,
		bucket.NewUpdateRecord(nil, 1000),
		bucket.NewUpdateRecord(nil, 1000.01),
		marker,
		tail,
	)

	// State the whole log replays to, for comparison afterwards.
	before, _ := s.LRange(ctx, key, 0, -1)
	want, err := bucket.Replay(tenPerSecond, key, before, "", false)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if err := CompactBucket(ctx, s, key, tenPerSecond); err != nil {
		t.Fatalf("compact: %v", err)
	}

	after, _ := s.LRange(ctx, key, 0, -1)
	if len(after) != 2 {
		t.Fatalf("expected snapshot plus tail, got %d records: %v", len(after), after)
	}
	head, err := bucket.ParseRecord(after[0])
	if err != nil {
		t.Fatalf("parse head: %v", err)
	}
	if head.Bucket == nil {
		t.Fatalf("expected a snapshot record at the head, got %+v", head)
	}
	tailRecord, err := bucket.ParseRecord(after[1])
	if err != nil {
		t.Fatalf("parse tail: %v", err)
	}
	if tailRecord.UUID != tail.UUID {
		t.Fatalf("expected concurrent update %s to survive, got %s", tail.UUID, tailRecord.UUID)
	}

	// The compacted log replays to the same state as the original.
	got, err := bucket.Replay(tenPerSecond, key, after, "", false)
	if err != nil {
		t.Fatalf("replay compacted: %v", err)
	}
	if got.Bucket.Last != want.Bucket.Last || got.Bucket.Level != want.Bucket.Level {
		t.Fatalf("expected state %+v, got %+v", want.Bucket, got.Bucket)
	}
}

func TestCompactBucketWithoutMarkerIsNoop(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	key := "bucket_v2:abc"
	buildLog(t, s, key, bucket.NewUpdateRecord(nil, 1000))

	if err := CompactBucket(ctx, s, key, tenPerSecond); err != nil {
		t.Fatalf("compact: %v", err)
	}
	after, _ := s.LRange(ctx, key, 0, -1)
	if len(after) != 1 {
		t.Fatalf("expected an untouched log, got %v", after)
	}
}

func TestCompactBucketIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	key := "bucket_v2:abc"
	buildLog(t, s, key,
		bucket.NewUpdateRecord(nil, 1000),
		bucket.NewSummarizeRecord(1000.01),
	)

	if err := CompactBucket(ctx, s, key, tenPerSecond); err != nil {
		t.Fatalf("first compact: %v", err)
	}
	first, _ := s.LRange(ctx, key, 0, -1)

	// The marker is gone, so a second round has nothing to do.
	if err := CompactBucket(ctx, s, key, tenPerSecond); err != nil {
		t.Fatalf("second compact: %v", err)
	}
	second, _ := s.LRange(ctx, key, 0, -1)
	if len(first) != len(second) || first[0] != second[0] {
		t.Fatalf("expected a stable log, got %v then %v", first, second)
	}
}

// pivotlessStore simulates the reference record vanishing between the read
// and the insert.
type pivotlessStore struct {
	*store.Memory
}

func (p pivotlessStore) LInsertAfter(context.Context, string, string, string) (bool, error) {
	return false, nil
}

func TestCompactBucketAbandonsWhenMarkerVanishes(t *testing.T) {
	ctx := context.Background()
	s := pivotlessStore{store.NewMemory()}
	key := "bucket_v2:abc"
	buildLog(t, s, key,
		bucket.NewUpdateRecord(nil, 1000),
		bucket.NewSummarizeRecord(1000.01),
	)

	err := CompactBucket(ctx, s, key, tenPerSecond)
	if !errors.Is(err, ErrRecordLost) {
		t.Fatalf("expected ErrRecordLost, got %v", err)
	}
	// Nothing was trimmed.
	after, _ := s.LRange(ctx, key, 0, -1)
	if len(after) != 2 {
		t.Fatalf("expected the log untouched, got %v", after)
	}
}
