// Package kv defines the minimal persistent key-value abstraction shared by
// every execution context of the same user. It plays the role browser local
// storage plays for tabs: string keys, opaque byte values, no transactions
// and an approximate capacity that callers are expected to manage.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store is the contract every backend implements.
type Store interface {
	// Get returns the item stored under key. A missing or expired key yields
	// (nil, nil); an error is returned only for genuine backend failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores value under key. A write is visible to a subsequent Get in
	// the same process immediately. Visibility in other processes is
	// eventual and depends on the backend.
	Set(ctx context.Context, key string, value []byte, opts ...Option) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the live keys that start with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Sizer is implemented by backends able to report approximate usage.
type Sizer interface {
	Usage(ctx context.Context) (Usage, error)
}

// CompareAndSwapper is implemented by backends with an atomic conditional
// write. A nil old value means "only if absent".
type CompareAndSwapper interface {
	CompareAndSwap(ctx context.Context, key string, old, new []byte, opts ...Option) (bool, error)
}

// Usage reports the approximate footprint of a store. CapacityBytes is zero
// when the backend has no meaningful limit.
type Usage struct {
	UsedBytes     int64
	CapacityBytes int64
	Keys          int
}

// Percent returns the share of capacity in use, or zero when unbounded.
func (u Usage) Percent() float64 {
	if u.CapacityBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.CapacityBytes) * 100
}

// Item represents a stored value with metadata.
type Item struct {
	Value     []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired checks if the item has expired at now.
func (it *Item) IsExpired(now time.Time) bool {
	return it.ExpiresAt != nil && now.After(*it.ExpiresAt)
}

// Option configures a write.
type Option func(*Options)

// Options contains configuration for write operations.
type Options struct {
	TTL *time.Duration
}

// WithTTL sets a time-to-live for the stored value.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = &ttl
		}
	}
}

// ApplyOptions folds opts into an Options value. Backends use it.
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

var (
	// ErrQuotaExceeded is returned by Set when the write would exceed the
	// backend's approximate capacity.
	ErrQuotaExceeded = errors.New("kv: quota exceeded")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("kv: invalid key")
)

// ValidateKey rejects keys no backend can represent.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

// GetValue is a convenience wrapper returning only the value bytes.
func GetValue(ctx context.Context, s Store, key string) ([]byte, bool, error) {
	it, err := s.Get(ctx, key)
	if err != nil || it == nil {
		return nil, false, err
	}
	return it.Value, true, nil
}

// DeletePrefix removes every key under prefix and returns how many were
// removed. Errors on individual keys abort the sweep.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
