package store

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"
)

// Memory implements Store with process-local state. It honors the same watch
// semantics as the Redis implementation by tracking a version counter per key,
// which makes it a faithful stand-in for unit tests and single-process runs.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	versions map[string]uint64
	subs     map[string][]*memorySubscription
	now      func() time.Time
}

// memoryEntry is the value for one key; exactly one payload field is used.
type memoryEntry struct {
	str      string
	list     []string
	zset     map[string]float64
	set      map[string]struct{}
	kind     byte // 's', 'l', 'z', 'e' (set)
	expireAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates an in-memory store with an injectable clock so
// tests can drive TTL behavior deterministically.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		entries:  map[string]*memoryEntry{},
		versions: map[string]uint64{},
		subs:     map[string][]*memorySubscription{},
		now:      now,
	}
}

// entry returns the live entry for key, discarding it if its TTL has lapsed.
// Callers must hold the mutex.
func (m *Memory) entry(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.entries, key)
		m.versions[key]++
		return nil
	}
	return e
}

// touch records a mutation of key for watch bookkeeping.
func (m *Memory) touch(key string) {
	m.versions[key]++
}

// Get retrieves a string key.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil || e.kind != 's' {
		if e != nil {
			return "", errors.New("wrong type for GET")
		}
		return "", ErrNotFound
	}
	return e.str, nil
}

// Set writes a string key.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value)
	return nil
}

func (m *Memory) setLocked(key, value string) {
	m.entries[key] = &memoryEntry{str: value, kind: 's'}
	m.touch(key)
}

// SetNX writes a key with a TTL only when the key is absent.
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entry(key) != nil {
		return false, nil
	}
	e := &memoryEntry{str: value, kind: 's'}
	if ttl > 0 {
		e.expireAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	m.touch(key)
	return true, nil
}

// Del removes keys.
func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			m.touch(key)
		}
	}
	return nil
}

// Expire sets a relative TTL.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entry(key); e != nil {
		e.expireAt = m.now().Add(ttl)
	}
	return nil
}

// ExpireAt sets an absolute expiry.
func (m *Memory) ExpireAt(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entry(key); e != nil {
		e.expireAt = at
	}
	return nil
}

// RPush appends to a list.
func (m *Memory) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpushLocked(key, values...)
	return nil
}

func (m *Memory) rpushLocked(key string, values ...string) {
	e := m.entry(key)
	if e == nil {
		e = &memoryEntry{kind: 'l'}
		m.entries[key] = e
	}
	e.list = append(e.list, values...)
	m.touch(key)
}

// LRange reads a list slice using Redis index semantics.
func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return nil, nil
	}
	lo, hi, ok := clampRange(start, stop, int64(len(e.list)))
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, e.list[lo:hi+1])
	return out, nil
}

// LInsertAfter inserts value after the first occurrence of pivot.
func (m *Memory) LInsertAfter(_ context.Context, key, pivot, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return false, nil
	}
	for i, existing := range e.list {
		if existing == pivot {
			e.list = append(e.list[:i+1], append([]string{value}, e.list[i+1:]...)...)
			m.touch(key)
			return true, nil
		}
	}
	return false, nil
}

// LTrim trims a list using Redis index semantics.
func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return nil
	}
	lo, hi, ok := clampRange(start, stop, int64(len(e.list)))
	if !ok {
		delete(m.entries, key)
		m.touch(key)
		return nil
	}
	e.list = append([]string(nil), e.list[lo:hi+1]...)
	m.touch(key)
	return nil
}

// ZAdd adds scored members.
func (m *Memory) ZAdd(_ context.Context, key string, members ...ZMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zaddLocked(key, members...)
	return nil
}

func (m *Memory) zaddLocked(key string, members ...ZMember) {
	e := m.entry(key)
	if e == nil {
		e = &memoryEntry{kind: 'z', zset: map[string]float64{}}
		m.entries[key] = e
	}
	for _, member := range members {
		e.zset[member.Member] = member.Score
	}
	m.touch(key)
}

// ZRem removes members.
func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zremLocked(key, members...)
	return nil
}

func (m *Memory) zremLocked(key string, members ...string) {
	e := m.entry(key)
	if e == nil {
		return
	}
	for _, member := range members {
		delete(e.zset, member)
	}
	m.touch(key)
}

// sortedMembers returns the zset ordered by score, then member.
func (e *memoryEntry) sortedMembers() []ZMember {
	out := make([]ZMember, 0, len(e.zset))
	for member, score := range e.zset {
		out = append(out, ZMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// ZRange reads members by rank.
func (m *Memory) ZRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	members, err := m.ZRangeWithScores(nil, key, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(members))
	for i, member := range members {
		out[i] = member.Member
	}
	return out, nil
}

// ZRangeWithScores reads members and scores by rank.
func (m *Memory) ZRangeWithScores(_ context.Context, key string, start, stop int64) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return nil, nil
	}
	sorted := e.sortedMembers()
	lo, hi, ok := clampRange(start, stop, int64(len(sorted)))
	if !ok {
		return nil, nil
	}
	return sorted[lo : hi+1], nil
}

// ZRangeByScore reads members whose score falls in [min, max].
func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return nil, nil
	}
	var out []string
	for _, member := range e.sortedMembers() {
		if member.Score >= min && member.Score <= max {
			out = append(out, member.Member)
		}
	}
	return out, nil
}

// ZRemRangeByScore removes members whose score falls in [min, max].
func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return nil
	}
	for member, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, member)
		}
	}
	m.touch(key)
	return nil
}

// SAdd adds members to a set.
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saddLocked(key, members...)
	return nil
}

func (m *Memory) saddLocked(key string, members ...string) {
	e := m.entry(key)
	if e == nil {
		e = &memoryEntry{kind: 'e', set: map[string]struct{}{}}
		m.entries[key] = e
	}
	for _, member := range members {
		e.set[member] = struct{}{}
	}
	m.touch(key)
}

// SMembers lists set members.
func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(key)
	if e == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for member := range e.set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

// Publish fans a message out to current subscribers. Slow subscribers drop
// messages rather than block the publisher.
func (m *Memory) Publish(_ context.Context, channel, payload string) error {
	m.mu.Lock()
	subs := append([]*memorySubscription(nil), m.subs[channel]...)
	m.mu.Unlock()
	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe opens a subscription on one channel.
func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		store:   m,
		channel: channel,
		ch:      make(chan Message, 128),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], sub)
	m.mu.Unlock()
	return sub, nil
}

// Watch gives fn an optimistic view of the named keys.
func (m *Memory) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	m.mu.Lock()
	versions := make(map[string]uint64, len(keys))
	for _, key := range keys {
		versions[key] = m.versions[key]
	}
	m.mu.Unlock()
	return fn(&memoryTx{store: m, versions: versions})
}

// Eval reports that the memory store has no scripting engine.
func (m *Memory) Eval(context.Context, string, []string, ...any) (any, error) {
	return nil, ErrScriptingUnsupported
}

// memorySubscription delivers published messages until closed.
type memorySubscription struct {
	store   *Memory
	channel string
	ch      chan Message
	done    chan struct{}
	once    sync.Once
}

// Next blocks for the next message, the context, or Close.
func (s *memorySubscription) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return Message{}, errors.New("subscription closed")
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close detaches the subscription from the store.
func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.store.mu.Lock()
		subs := s.store.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.store.mu.Unlock()
	})
	return nil
}

// memoryTx implements the optimistic-transaction view.
type memoryTx struct {
	store    *Memory
	versions map[string]uint64
}

func (t *memoryTx) Get(ctx context.Context, key string) (string, error) {
	return t.store.Get(ctx, key)
}

func (t *memoryTx) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return t.store.LRange(ctx, key, start, stop)
}

func (t *memoryTx) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return t.store.ZRange(ctx, key, start, stop)
}

// Exec applies staged commands only if no watched key changed since Watch.
func (t *memoryTx) Exec(_ context.Context, fn func(Pipe) error) error {
	pipe := &memoryPipe{}
	if err := fn(pipe); err != nil {
		return err
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for key, version := range t.versions {
		if t.store.versions[key] != version {
			return ErrTxConflict
		}
	}
	for _, op := range pipe.ops {
		op(t.store)
	}
	return nil
}

// memoryPipe stages mutations as closures applied at commit.
type memoryPipe struct {
	ops []func(*Memory)
}

func (p *memoryPipe) Set(key, value string) {
	p.ops = append(p.ops, func(m *Memory) { m.setLocked(key, value) })
}

func (p *memoryPipe) Del(keys ...string) {
	p.ops = append(p.ops, func(m *Memory) {
		for _, key := range keys {
			delete(m.entries, key)
			m.touch(key)
		}
	})
}

func (p *memoryPipe) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(m *Memory) {
		if e := m.entry(key); e != nil {
			e.expireAt = m.now().Add(ttl)
		}
	})
}

func (p *memoryPipe) ExpireAt(key string, at time.Time) {
	p.ops = append(p.ops, func(m *Memory) {
		if e := m.entry(key); e != nil {
			e.expireAt = at
		}
	})
}

func (p *memoryPipe) RPush(key string, values ...string) {
	p.ops = append(p.ops, func(m *Memory) { m.rpushLocked(key, values...) })
}

func (p *memoryPipe) ZAdd(key string, members ...ZMember) {
	p.ops = append(p.ops, func(m *Memory) { m.zaddLocked(key, members...) })
}

func (p *memoryPipe) ZRem(key string, members ...string) {
	p.ops = append(p.ops, func(m *Memory) { m.zremLocked(key, members...) })
}

func (p *memoryPipe) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(m *Memory) { m.saddLocked(key, members...) })
}

// clampRange converts Redis-style start/stop indexes (negative counts from
// the end, stop is inclusive) into slice bounds; ok is false when the range
// selects nothing.
func clampRange(start, stop, length int64) (int64, int64, bool) {
	if length == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start = length + start
	}
	if stop < 0 {
		stop = length + stop
	}
	start = int64(math.Max(float64(start), 0))
	stop = int64(math.Min(float64(stop), float64(length-1)))
	if start > stop {
		return 0, 0, false
	}
	return start, stop, true
}
