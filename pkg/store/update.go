package store

import (
	"context"
	"errors"
	"time"
)

// Persistable objects round-trip through the store as serialized strings.
type Persistable interface {
	Dehydrate() (string, error)
}

// Expirable objects know when their store entry should lapse.
type Expirable interface {
	ExpireAt() (time.Time, bool)
}

// SafeUpdate performs a read-modify-write of one key under optimistic
// concurrency. The key is watched, the current value hydrated (or a fresh
// object constructed when the key is absent), update applied, and the result
// written back atomically. A conflicting concurrent writer restarts the whole
// cycle, so update may run more than once and must be free of side effects
// beyond the object itself. The object from the last successful attempt is
// returned.
func SafeUpdate[T Persistable](
	ctx context.Context,
	s Store,
	key string,
	hydrate func(raw string) (T, error),
	fresh func() T,
	update func(obj T) error,
) (T, error) {
	var obj T
	for {
		err := s.Watch(ctx, func(tx Tx) error {
			raw, err := tx.Get(ctx, key)
			switch {
			case errors.Is(err, ErrNotFound):
				obj = fresh()
			case err != nil:
				return err
			default:
				if obj, err = hydrate(raw); err != nil {
					return err
				}
			}
			if err := update(obj); err != nil {
				return err
			}
			serialized, err := obj.Dehydrate()
			if err != nil {
				return err
			}
			return tx.Exec(ctx, func(pipe Pipe) error {
				pipe.Set(key, serialized)
				if expirable, ok := any(obj).(Expirable); ok {
					if at, set := expirable.ExpireAt(); set {
						pipe.ExpireAt(key, at)
					}
				}
				return nil
			})
		}, key)
		if errors.Is(err, ErrTxConflict) {
			continue
		}
		return obj, err
	}
}

// LimitUpdate replaces the ranked limit list at key with the given serialized
// limits, scored by rank. Existing members not in the new list are removed
// and every new member is (re)added at its rank-derived score; on a
// conflicting concurrent writer the diff is recomputed from scratch.
func LimitUpdate(ctx context.Context, s Store, key string, limits []string) error {
	desired := make(map[string]struct{}, len(limits))
	for _, limit := range limits {
		desired[limit] = struct{}{}
	}
	for {
		err := s.Watch(ctx, func(tx Tx) error {
			existing, err := tx.ZRange(ctx, key, 0, -1)
			if err != nil {
				return err
			}
			return tx.Exec(ctx, func(pipe Pipe) error {
				for _, member := range existing {
					if _, ok := desired[member]; !ok {
						pipe.ZRem(key, member)
					}
				}
				for rank, limit := range limits {
					pipe.ZAdd(key, ZMember{Member: limit, Score: float64((rank + 1) * 10)})
				}
				return nil
			})
		}, key)
		if errors.Is(err, ErrTxConflict) {
			continue
		}
		return err
	}
}
