package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store over a go-redis client.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get retrieves a string key.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return value, err
}

// Set writes a string key without expiry.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

// SetNX writes a key only when absent, with a TTL.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// Del removes keys.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Expire sets a relative TTL on a key.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// ExpireAt sets an absolute expiry on a key.
func (r *Redis) ExpireAt(ctx context.Context, key string, at time.Time) error {
	return r.client.ExpireAt(ctx, key, at).Err()
}

// RPush appends values to a list.
func (r *Redis) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.client.RPush(ctx, key, args...).Err()
}

// LRange reads a list slice.
func (r *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, key, start, stop).Result()
}

// LInsertAfter inserts value after pivot; false means the pivot vanished.
func (r *Redis) LInsertAfter(ctx context.Context, key, pivot, value string) (bool, error) {
	n, err := r.client.LInsert(ctx, key, "AFTER", pivot, value).Result()
	if err != nil {
		return false, err
	}
	return n >= 0, nil
}

// LTrim trims a list to the given range.
func (r *Redis) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.client.LTrim(ctx, key, start, stop).Err()
}

// ZAdd adds members to a sorted set.
func (r *Redis) ZAdd(ctx context.Context, key string, members ...ZMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Member: m.Member, Score: m.Score}
	}
	return r.client.ZAdd(ctx, key, zs...).Err()
}

// ZRem removes members from a sorted set.
func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.ZRem(ctx, key, args...).Err()
}

// ZRange reads members by rank.
func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.ZRange(ctx, key, start, stop).Result()
}

// ZRangeWithScores reads members and scores by rank.
func (r *Redis) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	zs, err := r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	members := make([]ZMember, len(zs))
	for i, z := range zs {
		members[i] = ZMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return members, nil
}

// ZRangeByScore reads members in a score interval.
func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

// ZRemRangeByScore removes members in a score interval.
func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return r.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

// SAdd adds members to a set.
func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

// SMembers lists set members.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// Publish sends a pub/sub message.
func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription on one channel.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before the caller depends on it.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps}, nil
}

// Watch runs fn under WATCH with ErrTxConflict on a lost watch.
func (r *Redis) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		return fn(&redisTx{tx: tx})
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrTxConflict
	}
	return err
}

// Eval runs a server-side Lua script.
func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	res, err := r.client.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return res, err
}

// redisSubscription adapts redis.PubSub to Subscription.
type redisSubscription struct {
	ps *redis.PubSub
}

// Next blocks for the next message.
func (s *redisSubscription) Next(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: msg.Channel, Payload: msg.Payload}, nil
}

// Close tears down the subscription.
func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

// redisTx adapts redis.Tx to Tx.
type redisTx struct {
	tx *redis.Tx
}

// Get reads a key inside the transaction.
func (t *redisTx) Get(ctx context.Context, key string) (string, error) {
	value, err := t.tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return value, err
}

// LRange reads a list slice inside the transaction.
func (t *redisTx) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return t.tx.LRange(ctx, key, start, stop).Result()
}

// ZRange reads sorted-set members inside the transaction.
func (t *redisTx) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return t.tx.ZRange(ctx, key, start, stop).Result()
}

// Exec stages commands through MULTI/EXEC.
func (t *redisTx) Exec(ctx context.Context, fn func(Pipe) error) error {
	_, err := t.tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&redisPipe{pipe: pipe, ctx: ctx})
	})
	return err
}

// redisPipe stages commands on a go-redis pipeliner.
type redisPipe struct {
	pipe redis.Pipeliner
	ctx  context.Context
}

func (p *redisPipe) Set(key, value string) {
	p.pipe.Set(p.ctx, key, value, 0)
}

func (p *redisPipe) Del(keys ...string) {
	p.pipe.Del(p.ctx, keys...)
}

func (p *redisPipe) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(p.ctx, key, ttl)
}

func (p *redisPipe) ExpireAt(key string, at time.Time) {
	p.pipe.ExpireAt(p.ctx, key, at)
}

func (p *redisPipe) RPush(key string, values ...string) {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	p.pipe.RPush(p.ctx, key, args...)
}

func (p *redisPipe) ZAdd(key string, members ...ZMember) {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Member: m.Member, Score: m.Score}
	}
	p.pipe.ZAdd(p.ctx, key, zs...)
}

func (p *redisPipe) ZRem(key string, members ...string) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.ZRem(p.ctx, key, args...)
}

func (p *redisPipe) SAdd(key string, members ...string) {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(p.ctx, key, args...)
}

// formatScore renders a score bound the way Redis range commands expect.
func formatScore(score float64) string {
	switch {
	case math.IsInf(score, -1):
		return "-inf"
	case math.IsInf(score, 1):
		return "+inf"
	}
	return strconv.FormatFloat(score, 'f', -1, 64)
}
