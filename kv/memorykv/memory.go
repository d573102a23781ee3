// Package memorykv provides an in-memory implementation of kv.Store using
// github.com/hashicorp/golang-lru/v2 for bounded storage with TTL support.
// All contexts sharing one *Store see the same data, which makes it the
// natural backend for single-process deployments and tests.
package memorykv

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/m1ndvortex/tabsync/kv"
)

// Config controls the capacity of the in-memory store.
type Config struct {
	// MaxItems bounds the number of keys. Least recently used keys are
	// evicted beyond it. Default: 10000.
	MaxItems int
	// MaxBytes is the approximate byte quota (keys + values). Writes that
	// would exceed it fail with kv.ErrQuotaExceeded. Zero means unbounded.
	MaxBytes int64
	// CleanupInterval controls the background purge of expired keys.
	// Default: 5 minutes. Negative disables the janitor.
	CleanupInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store implements kv.Store in memory.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *kv.Item]
	used  int64
	cfg   Config

	stop   chan struct{}
	closed bool
}

// New creates a new in-memory store.
func New(cfg Config) (*Store, error) {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10000
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{cfg: cfg, stop: make(chan struct{})}
	cache, err := lru.NewWithEvict[string, *kv.Item](cfg.MaxItems, func(key string, it *kv.Item) {
		s.used -= itemSize(key, it)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s.cache = cache

	if cfg.CleanupInterval > 0 {
		go s.cleanupExpired(cfg.CleanupInterval)
	}
	return s, nil
}

// MustNew is New for callers with static, known-good configuration.
func MustNew(cfg Config) *Store {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Store) Get(ctx context.Context, key string) (*kv.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	it, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if it.IsExpired(s.cfg.Now()) {
		s.cache.Remove(key)
		return nil, nil
	}
	return copyItem(it), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...kv.Option) error {
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	o := kv.ApplyOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	return s.setLocked(key, value, o)
}

func (s *Store) setLocked(key string, value []byte, o kv.Options) error {
	now := s.cfg.Now()
	it := &kv.Item{Value: bytes.Clone(value), CreatedAt: now}
	if it.Value == nil {
		it.Value = []byte{}
	}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		it.ExpiresAt = &exp
	}

	delta := itemSize(key, it)
	if prev, ok := s.cache.Peek(key); ok {
		delta -= itemSize(key, prev)
	}
	if s.cfg.MaxBytes > 0 && delta > 0 && s.used+delta > s.cfg.MaxBytes {
		return kv.ErrQuotaExceeded
	}

	// Remove first so the eviction callback accounts for the old value.
	s.cache.Remove(key)
	s.cache.Add(key, it)
	s.used += itemSize(key, it)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	s.cache.Remove(key)
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	now := s.cfg.Now()
	var out []string
	for _, k := range s.cache.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if it, ok := s.cache.Peek(k); ok && !it.IsExpired(now) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CompareAndSwap implements kv.CompareAndSwapper.
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte, opts ...kv.Option) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}
	o := kv.ApplyOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, kv.ErrClosed
	}
	cur, ok := s.cache.Peek(key)
	if ok && cur.IsExpired(s.cfg.Now()) {
		ok = false
	}
	switch {
	case old == nil && ok:
		return false, nil
	case old != nil && (!ok || !bytes.Equal(cur.Value, old)):
		return false, nil
	}
	if err := s.setLocked(key, new, o); err != nil {
		return false, err
	}
	return true, nil
}

// Usage implements kv.Sizer.
func (s *Store) Usage(ctx context.Context) (kv.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kv.Usage{UsedBytes: s.used, CapacityBytes: s.cfg.MaxBytes, Keys: s.cache.Len()}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	s.cache.Purge()
	s.used = 0
	return nil
}

// cleanupExpired periodically removes expired items until Close.
func (s *Store) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.cfg.Now()
			for _, key := range s.cache.Keys() {
				if it, ok := s.cache.Peek(key); ok && it.IsExpired(now) {
					s.cache.Remove(key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func itemSize(key string, it *kv.Item) int64 {
	return int64(len(key) + len(it.Value))
}

func copyItem(it *kv.Item) *kv.Item {
	out := &kv.Item{Value: bytes.Clone(it.Value), CreatedAt: it.CreatedAt}
	if it.ExpiresAt != nil {
		exp := *it.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

// Compile-time interface checks
var (
	_ kv.Store             = (*Store)(nil)
	_ kv.Sizer             = (*Store)(nil)
	_ kv.CompareAndSwapper = (*Store)(nil)
)
