// Package store abstracts the key-value server the rate limiter shares state
// through. The interface captures exactly the operations the limiter uses: a
// Redis-backed implementation for production and an in-memory twin for tests
// and single-process deployments.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports a missing key.
	ErrNotFound = errors.New("key not found")

	// ErrTxConflict reports that a watched key changed before an
	// optimistic transaction committed.
	ErrTxConflict = errors.New("transaction conflict")

	// ErrScriptingUnsupported reports that the store cannot run
	// server-side scripts; callers fall back to client-side locking.
	ErrScriptingUnsupported = errors.New("scripting unsupported")
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a blocking stream of pub/sub messages. Closing the
// subscription unblocks any pending Next call.
type Subscription interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the key-value protocol the rate limiter depends on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ExpireAt(ctx context.Context, key string, at time.Time) error

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LInsertAfter inserts value immediately after pivot, reporting false
	// when the pivot is no longer present in the list.
	LInsertAfter(ctx context.Context, key, pivot, value string) (bool, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Watch runs fn with an optimistic-transaction view of the given keys.
	// Writes staged through Tx.Exec apply only if no watched key changed;
	// a lost watch surfaces as ErrTxConflict.
	Watch(ctx context.Context, fn func(Tx) error, keys ...string) error

	// Eval runs a server-side script, or returns ErrScriptingUnsupported.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// Tx is the read view inside an optimistic transaction.
type Tx interface {
	Get(ctx context.Context, key string) (string, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Exec stages commands through fn and commits them atomically.
	Exec(ctx context.Context, fn func(Pipe) error) error
}

// Pipe stages commands for atomic execution; results are not observable
// because the commands run only at commit.
type Pipe interface {
	Set(key, value string)
	Del(keys ...string)
	Expire(key string, ttl time.Duration)
	ExpireAt(key string, at time.Time)
	RPush(key string, values ...string)
	ZAdd(key string, members ...ZMember)
	ZRem(key string, members ...string)
	SAdd(key string, members ...string)
}
