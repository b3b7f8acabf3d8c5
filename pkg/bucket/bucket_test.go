package bucket

import (
	"math"
	"testing"
)

// tenPerSecond is a 10 requests/second limit: each request costs 0.1s of
// drain and the bucket holds one second of water.
var tenPerSecond = Params{Cost: 0.1, UnitSeconds: 1, Value: 10}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDelayFillsThenLimits(t *testing.T) {
	b := New(tenPerSecond, "bucket_v2:abc")
	now := 1000.0

	// Ten simultaneous requests fit exactly.
	for i := 0; i < 10; i++ {
		delay, limited := b.Delay(nil, now)
		if limited {
			t.Fatalf("request %d unexpectedly limited (delay %v)", i, delay)
		}
	}
	if !almostEqual(b.Level, 1.0) {
		t.Fatalf("expected level 1.0 after 10 requests, got %v", b.Level)
	}

	// The eleventh overflows by one request's worth.
	delay, limited := b.Delay(nil, now)
	if !limited {
		t.Fatal("expected eleventh request to be limited")
	}
	if !almostEqual(delay, 0.1) {
		t.Fatalf("expected delay 0.1, got %v", delay)
	}
	if !almostEqual(b.Next, now+0.1) {
		t.Fatalf("expected next %v, got %v", now+0.1, b.Next)
	}
	// Overflow is not added to the level, so it stays at capacity.
	if !almostEqual(b.Level, 1.0) {
		t.Fatalf("expected level to stay at 1.0, got %v", b.Level)
	}
}

func TestDelayThrottlesDespiteRoundedLevel(t *testing.T) {
	// Ten costs of 0.1 sum to just under 1.0 in float64; the next request's
	// overflow lands a hair below the threshold and must still throttle.
	b := Hydrate(tenPerSecond, "bucket_v2:abc", &Snapshot{Last: 1000, Level: 0.9999999999999999})
	delay, limited := b.Delay(nil, 1000)
	if !limited {
		t.Fatalf("expected a full bucket to throttle, got delay %v", delay)
	}
	if !almostEqual(delay, 0.1) {
		t.Fatalf("expected delay 0.1, got %v", delay)
	}
	if !almostEqual(b.Level, 1.0) {
		t.Fatalf("expected level to stay at capacity, got %v", b.Level)
	}
}

func TestDelayLeaks(t *testing.T) {
	b := New(tenPerSecond, "bucket_v2:abc")
	now := 1000.0
	for i := 0; i < 10; i++ {
		b.Delay(nil, now)
	}

	// Half a second later, half the bucket has drained.
	now += 0.5
	delay, limited := b.Delay(nil, now)
	if limited {
		t.Fatalf("expected request to fit after leaking, got delay %v", delay)
	}
	if !almostEqual(b.Level, 0.6) {
		t.Fatalf("expected level 0.6, got %v", b.Level)
	}
}

func TestDelayClampsBackwardClock(t *testing.T) {
	b := New(tenPerSecond, "bucket_v2:abc")
	b.Delay(nil, 1000)

	// A request stamped in the past must not rewind the bucket.
	b.Delay(nil, 990)
	if b.Last != 1000 {
		t.Fatalf("expected last to stay 1000, got %v", b.Last)
	}
	if !almostEqual(b.Level, 0.2) {
		t.Fatalf("expected level 0.2, got %v", b.Level)
	}
}

func TestDelayAbsorbsTinyOverflow(t *testing.T) {
	// Level 0.95 + cost 0.1 overflows by 0.05, under the 0.1 threshold.
	b := Hydrate(tenPerSecond, "bucket_v2:abc", &Snapshot{Last: 1000, Level: 0.95})
	delay, limited := b.Delay(nil, 1000)
	if limited {
		t.Fatalf("expected sub-threshold overflow to be absorbed, got delay %v", delay)
	}
}

func TestMessagesRemaining(t *testing.T) {
	b := Hydrate(tenPerSecond, "bucket_v2:abc", &Snapshot{Last: 1000, Level: 0.5})
	if got := b.MessagesRemaining(); got != 5 {
		t.Fatalf("expected 5 messages remaining, got %d", got)
	}
	b.Level = 0
	if got := b.MessagesRemaining(); got != 10 {
		t.Fatalf("expected 10 messages remaining, got %d", got)
	}
}

func TestExpireAt(t *testing.T) {
	b := Hydrate(tenPerSecond, "bucket_v2:abc", &Snapshot{Last: 1000.3, Level: 0.5})
	if got := b.ExpireAt(); got != 1001 {
		t.Fatalf("expected expiry at 1001, got %d", got)
	}
}

func TestSnapshotHydrateRestoresState(t *testing.T) {
	b := New(tenPerSecond, "bucket_v2:abc")
	b.Delay(nil, 1000)
	b.Delay(nil, 1000.05)

	restored := Hydrate(tenPerSecond, b.Key(), b.Snapshot())
	if restored.Last != b.Last || restored.Next != b.Next || restored.Level != b.Level {
		t.Fatalf("expected %+v, got %+v", b, restored)
	}
}
