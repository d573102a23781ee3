package tabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/session"
)

// Lock is the stored record of a named lock.
type Lock struct {
	Operation  string    `json:"operation"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// ErrLockBusy is returned by WithLock when another context holds the lock.
var ErrLockBusy = errors.New("tabs: lock held by another context")

// LockKey maps a lock name to its store key.
func LockKey(name string) string { return session.LockKeyPrefix + name }

func (r *Registry) heldByOther(l Lock, now time.Time) bool {
	return l.Owner != "" && l.Owner != r.id && now.Sub(l.AcquiredAt) < r.lockTTL
}

// LockHolder returns the current live holder of name.
func (r *Registry) LockHolder(ctx context.Context, name string) (Lock, bool, error) {
	l, _, ok, err := r.readLock(ctx, name)
	if err != nil || !ok {
		return Lock{}, false, err
	}
	if r.now().Sub(l.AcquiredAt) >= r.lockTTL {
		return Lock{}, false, nil
	}
	return l, true, nil
}

func (r *Registry) readLock(ctx context.Context, name string) (Lock, []byte, bool, error) {
	raw, ok, err := kv.GetValue(ctx, r.store, LockKey(name))
	if err != nil || !ok {
		return Lock{}, nil, false, err
	}
	var l Lock
	if err := json.Unmarshal(raw, &l); err != nil {
		// An unreadable lock record is treated as free.
		return Lock{}, raw, false, nil
	}
	return l, raw, true, nil
}

// RequestLock tries to take name for this context. It is granted unless
// another context holds a lock younger than the TTL; re-requesting a lock
// this context owns refreshes it. Locks are advisory.
func (r *Registry) RequestLock(ctx context.Context, name string) (bool, error) {
	if err := kv.ValidateKey(name); err != nil {
		return false, err
	}
	cur, curRaw, _, err := r.readLock(ctx, name)
	if err != nil {
		return false, fmt.Errorf("tabs: read lock %s: %w", name, err)
	}
	now := r.now()
	if r.heldByOther(cur, now) {
		return false, nil
	}

	next, err := json.Marshal(Lock{Operation: name, Owner: r.id, AcquiredAt: now})
	if err != nil {
		return false, err
	}

	if cas, ok := r.store.(kv.CompareAndSwapper); ok {
		swapped, err := cas.CompareAndSwap(ctx, LockKey(name), curRaw, next, kv.WithTTL(r.lockTTL))
		if err != nil {
			return false, fmt.Errorf("tabs: swap lock %s: %w", name, err)
		}
		r.logLock(ctx, name, swapped)
		return swapped, nil
	}

	// Write, let concurrent writers land, then check who won.
	if err := r.store.Set(ctx, LockKey(name), next, kv.WithTTL(r.lockTTL)); err != nil {
		return false, fmt.Errorf("tabs: write lock %s: %w", name, err)
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(r.settleDelay):
	}
	after, afterRaw, ok, err := r.readLock(ctx, name)
	if err != nil {
		return false, fmt.Errorf("tabs: verify lock %s: %w", name, err)
	}
	won := ok && after.Owner == r.id && bytes.Equal(afterRaw, next)
	r.logLock(ctx, name, won)
	return won, nil
}

func (r *Registry) logLock(ctx context.Context, name string, granted bool) {
	r.log.DebugContext(ctx, "tabs.lock.request", slog.String("lock", name), slog.Bool("granted", granted))
}

// ReleaseLock deletes name if this context is the recorded owner.
func (r *Registry) ReleaseLock(ctx context.Context, name string) error {
	cur, _, ok, err := r.readLock(ctx, name)
	if err != nil {
		return fmt.Errorf("tabs: read lock %s: %w", name, err)
	}
	if !ok || cur.Owner != r.id {
		return nil
	}
	if err := r.store.Delete(ctx, LockKey(name)); err != nil {
		return fmt.Errorf("tabs: release lock %s: %w", name, err)
	}
	return nil
}

// WithLock runs fn while holding name. It returns ErrLockBusy without
// running fn when the lock is held elsewhere.
func (r *Registry) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ok, err := r.RequestLock(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockBusy
	}
	defer func() {
		if err := r.ReleaseLock(context.WithoutCancel(ctx), name); err != nil {
			r.log.WarnContext(ctx, "tabs.lock.release_failed", slog.String("lock", name), slog.String("err", err.Error()))
		}
	}()
	return fn(ctx)
}
