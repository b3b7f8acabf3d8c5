package bucket

// Loader materializes a bucket by replaying its update log in order. It also
// collects the compaction bookkeeping the limit layer and the compactor need:
// how many pending updates the log holds, whether a summarize marker is
// present, and where the last marker sits.
type Loader struct {
	// Bucket is the materialized state; never nil after a successful Replay.
	Bucket *Bucket

	// Delay and Limited reflect the outcome of the last update applied.
	Delay   float64
	Limited bool

	// Updates counts the update records applied.
	Updates int

	// Summarized reports whether any summarize marker was seen, and
	// OldestSummarize holds the oldest marker timestamp (0 when none).
	Summarized      bool
	OldestSummarize float64

	// LastSummarizeUUID, LastSummarizeRaw, and LastSummarizeIndex identify
	// the final summarize marker in the whole log. Markers are identified
	// by their embedded uuid; the raw form is retained because the store's
	// list-insert primitive addresses entries by exact value.
	LastSummarizeUUID  string
	LastSummarizeRaw   string
	LastSummarizeIndex int
}

// Replay folds an ordered log of raw records into a Loader.
//
// When stopUUID is non-empty, updates are applied only up to and including
// the update record carrying that identity; later entries are still scanned
// for summarize bookkeeping. When stopSummarize is set, updates stop at the
// last summarize marker in the log instead, which is how the compactor sees
// exactly the state a marker promised to summarize.
func Replay(params Params, key string, raws []string, stopUUID string, stopSummarize bool) (*Loader, error) {
	loader := &Loader{LastSummarizeIndex: -1}

	records := make([]Record, len(raws))
	for i, raw := range raws {
		record, err := ParseRecord(raw)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}

	// The stop point for stopSummarize is the last marker in the whole
	// list, so it has to be located before the forward scan.
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Summarize != nil {
			loader.LastSummarizeUUID = records[i].UUID
			loader.LastSummarizeRaw = raws[i]
			loader.LastSummarizeIndex = i
			break
		}
	}

	stopped := false
	for i, record := range records {
		switch {
		case record.Summarize != nil:
			loader.Summarized = true
			if loader.OldestSummarize == 0 || *record.Summarize < loader.OldestSummarize {
				loader.OldestSummarize = *record.Summarize
			}
			if stopSummarize && i == loader.LastSummarizeIndex {
				stopped = true
			}

		case stopped:
			// Past the stop point; only summarize bookkeeping continues.

		case record.Bucket != nil:
			loader.Bucket = Hydrate(params, key, record.Bucket)

		case record.Update != nil:
			if loader.Bucket == nil {
				loader.Bucket = New(params, key)
			}
			loader.Delay, loader.Limited = loader.Bucket.Delay(record.Update.Params, record.Update.Time)
			loader.Updates++
			if stopUUID != "" && record.UUID == stopUUID {
				stopped = true
			}
		}
	}
	if loader.Bucket == nil {
		loader.Bucket = New(params, key)
	}
	return loader, nil
}

// NeedSummary reports whether the log is due for compaction: enough pending
// updates have accumulated, or a previous compaction was scheduled long
// enough ago that it must be presumed lost.
func (l *Loader) NeedSummary(now float64, maxUpdates int, maxAge float64) bool {
	if !l.Summarized {
		return l.Updates >= maxUpdates
	}
	return l.OldestSummarize+maxAge <= now
}
