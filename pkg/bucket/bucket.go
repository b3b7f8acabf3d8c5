package bucket

import (
	"math"
)

// epsilon is the smallest overflow treated as an actual rate-limit breach;
// anything smaller is absorbed to keep float rounding from rejecting traffic.
const epsilon = 0.1

// overflowSlack loosens the epsilon comparison by the rounding error a fill
// level accumulates from many small costs, so a bucket at its nominal
// capacity still throttles the next request.
const overflowSlack = 1e-9

// Params carries the rate parameters a bucket enforces: how much water one
// request adds, how big the bucket is, and how many requests fit in a full
// drain interval.
type Params struct {
	Cost        float64
	UnitSeconds float64
	Value       int
}

// Bucket is the leaky-bucket state for one (limit, parameter-combination)
// pair. Last and Next are Unix timestamps in seconds; zero means the bucket
// has never been used. Level is the current fill and never goes negative.
type Bucket struct {
	params Params
	key    string

	Last  float64
	Next  float64
	Level float64
}

// New creates an empty bucket for the given key.
func New(params Params, key string) *Bucket {
	return &Bucket{params: params, key: key}
}

// Hydrate rebuilds a bucket from a persisted snapshot.
func Hydrate(params Params, key string, snap *Snapshot) *Bucket {
	return &Bucket{
		params: params,
		key:    key,
		Last:   snap.Last,
		Next:   snap.Next,
		Level:  snap.Level,
	}
}

// Key returns the storage key this bucket was loaded for.
func (b *Bucket) Key() string {
	return b.key
}

// Snapshot dehydrates the bucket for persistence.
func (b *Bucket) Snapshot() *Snapshot {
	return &Snapshot{Last: b.Last, Next: b.Next, Level: b.Level}
}

// Delay leaks the bucket down to the present, adds the cost of one request,
// and reports the delay the caller must impose. The second return is false
// when the request fits without throttling. Clocks that run backward are
// clamped so Last never decreases.
func (b *Bucket) Delay(params map[string]any, now float64) (float64, bool) {
	_ = params // base buckets ignore request parameters

	if now < b.Last {
		now = b.Last
	}
	if b.Last > 0 {
		leaked := now - b.Last
		b.Level = math.Max(b.Level-leaked, 0)
	}
	b.Last = now

	overflow := b.Level + b.params.Cost - b.params.UnitSeconds
	if overflow >= epsilon-overflowSlack {
		b.Next = now + overflow
		b.Level += b.params.Cost - overflow
		return overflow, true
	}
	b.Level += b.params.Cost
	b.Next = now
	return 0, false
}

// MessagesRemaining reports how many more requests fit before throttling.
func (b *Bucket) MessagesRemaining() int {
	return int((b.params.UnitSeconds - b.Level) / b.params.UnitSeconds * float64(b.params.Value))
}

// ExpireAt returns the Unix second at which the bucket will have fully
// drained, used as the TTL for the persisted entry.
func (b *Bucket) ExpireAt() int64 {
	return int64(math.Ceil(b.Last + b.Level))
}
