package compactor

import (
	"context"
	"errors"
	"fmt"

	"github.com/klmitch/turnstile-sub000/pkg/bucket"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

// ErrRecordLost reports that the summarize record a compaction round was
// anchored to disappeared between reading the log and rewriting it. The
// round is abandoned; the key will be re-queued by the next update.
var ErrRecordLost = errors.New("summarize record no longer present")

// CompactBucket rewrites one bucket's update log, replacing everything up to
// and including the last summarize record with a single snapshot of the
// replayed bucket state. Concurrent appends land after the retained tail and
// survive untouched, so the operation is safe without a transaction; running
// it twice is a harmless no-op the second time.
func CompactBucket(ctx context.Context, s store.Store, key string, params bucket.Params) error {
	raws, err := s.LRange(ctx, key, 0, -1)
	if err != nil {
		return fmt.Errorf("read update log %s: %w", key, err)
	}

	loader, err := bucket.Replay(params, key, raws, "", true)
	if err != nil {
		return fmt.Errorf("replay update log %s: %w", key, err)
	}
	if loader.LastSummarizeIndex < 0 {
		// No summarize marker means no daemon asked for compaction.
		return nil
	}

	snapshot, err := bucket.NewSnapshotRecord(loader.Bucket).Marshal()
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", key, err)
	}

	// Anchor the snapshot immediately after the summarize record, then
	// drop the prefix through that record, leaving snapshot plus tail.
	inserted, err := s.LInsertAfter(ctx, key, loader.LastSummarizeRaw, snapshot)
	if err != nil {
		return fmt.Errorf("insert snapshot into %s: %w", key, err)
	}
	if !inserted {
		return fmt.Errorf("%w: %s", ErrRecordLost, key)
	}
	if err := s.LTrim(ctx, key, int64(loader.LastSummarizeIndex)+1, -1); err != nil {
		return fmt.Errorf("trim update log %s: %w", key, err)
	}
	return nil
}
