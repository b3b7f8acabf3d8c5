package bucket

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Snapshot is the dehydrated form of a bucket stored in a log record.
type Snapshot struct {
	Last  float64 `json:"last"`
	Next  float64 `json:"next"`
	Level float64 `json:"level"`
}

// Update is one pending request delta waiting to be folded into the bucket.
type Update struct {
	Params map[string]any `json:"params"`
	Time   float64        `json:"time"`
}

// Record is one entry of a version-2 bucket log. Exactly one of Bucket,
// Update, or Summarize is set.
type Record struct {
	UUID      string
	Bucket    *Snapshot
	Update    *Update
	Summarize *float64
}

// recordWire is the persisted JSON shape of a Record.
type recordWire struct {
	UUID      string    `json:"uuid"`
	Bucket    *Snapshot `json:"bucket,omitempty"`
	Update    *Update   `json:"update,omitempty"`
	Summarize *float64  `json:"summarize,omitempty"`
}

// NewUpdateRecord creates an update record stamped with a fresh identity.
func NewUpdateRecord(params map[string]any, now float64) Record {
	return Record{
		UUID:   uuid.NewString(),
		Update: &Update{Params: params, Time: now},
	}
}

// NewSummarizeRecord creates a compaction marker for the given time.
func NewSummarizeRecord(now float64) Record {
	ts := now
	return Record{UUID: uuid.NewString(), Summarize: &ts}
}

// NewSnapshotRecord creates a snapshot record from the bucket's state.
func NewSnapshotRecord(b *Bucket) Record {
	return Record{UUID: uuid.NewString(), Bucket: b.Snapshot()}
}

// Marshal serializes the record to its wire form.
func (r Record) Marshal() (string, error) {
	raw, err := json.Marshal(recordWire(r))
	if err != nil {
		return "", fmt.Errorf("marshal bucket record: %w", err)
	}
	return string(raw), nil
}

// ParseRecord deserializes one log entry.
func ParseRecord(raw string) (Record, error) {
	var wire recordWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Record{}, fmt.Errorf("parse bucket record: %w", err)
	}
	set := 0
	for _, present := range []bool{wire.Bucket != nil, wire.Update != nil, wire.Summarize != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return Record{}, fmt.Errorf("bucket record %q has %d payloads, want 1", raw, set)
	}
	return Record(wire), nil
}
