package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/m1ndvortex/tabsync/cacheguard"
)

// Strategy selects how a read balances cache and network.
type Strategy string

const (
	// CacheFirst serves fresh cache and refreshes in the background once the
	// entry enters its refresh window.
	CacheFirst Strategy = "cache_first"
	// NetworkFirst fetches and falls back to cache, stale or not, on failure.
	NetworkFirst Strategy = "network_first"
	// StaleWhileRevalidate serves any cached value and always refreshes
	// concurrently.
	StaleWhileRevalidate Strategy = "stale_while_revalidate"
)

// Source tells where a read was served from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceStale   Source = "stale"
)

// CategoryPolicy configures reads of one data category.
type CategoryPolicy struct {
	Strategy Strategy
	// TTL is how long a cached value counts as fresh.
	TTL time.Duration
	// RefreshWindow is how long before expiry CacheFirst starts refreshing.
	RefreshWindow time.Duration
}

// DefaultCategoryPolicy applies to categories without an explicit policy.
var DefaultCategoryPolicy = CategoryPolicy{Strategy: NetworkFirst, TTL: 5 * time.Minute, RefreshWindow: time.Minute}

// FetchFunc loads the authoritative value from the network.
type FetchFunc func(ctx context.Context) (any, error)

// ReadResult is the outcome of Reader.Get.
type ReadResult struct {
	Value    json.RawMessage
	Source   Source
	StoredAt time.Time
}

// Update is delivered to listeners when a background refresh finishes.
type Update struct {
	Category string
	Key      string
	Value    json.RawMessage
	Err      error
}

// ErrNoData is returned when neither network nor cache can serve a read.
var ErrNoData = errors.New("offline: no data available")

// Reader serves reads through a cacheguard.Guard so corrupted cache entries
// are repaired or dropped before they are served.
type Reader struct {
	guard    *cacheguard.Guard
	policies map[string]CategoryPolicy
	log      *slog.Logger
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	inflight  map[string]struct{}
	listeners map[int]func(Update)
	nextID    int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithCategory sets the policy for one category.
func WithCategory(category string, p CategoryPolicy) ReaderOption {
	return func(r *Reader) { r.policies[category] = p }
}

// WithReaderLogger sets the logger. Logs are discarded by default.
func WithReaderLogger(l *slog.Logger) ReaderOption { return func(r *Reader) { r.log = l } }

// WithReaderClock overrides the time source.
func WithReaderClock(now func() time.Time) ReaderOption { return func(r *Reader) { r.now = now } }

// NewReader creates a Reader over guard.
func NewReader(guard *cacheguard.Guard, opts ...ReaderOption) *Reader {
	r := &Reader{
		guard:     guard,
		policies:  map[string]CategoryPolicy{},
		log:       slog.New(slog.DiscardHandler),
		now:       time.Now,
		inflight:  map[string]struct{}{},
		listeners: map[int]func(Update){},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.baseCtx, r.stop = context.WithCancel(context.Background())
	return r
}

// Policy returns the policy applied to category.
func (r *Reader) Policy(category string) CategoryPolicy {
	if p, ok := r.policies[category]; ok {
		return p
	}
	return DefaultCategoryPolicy
}

// OnUpdate registers fn for background refresh results. The returned
// function unregisters it.
func (r *Reader) OnUpdate(fn func(Update)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Close stops accepting refreshes and waits for running ones. Results of
// refreshes still in flight are discarded.
func (r *Reader) Close() {
	r.stop()
	r.wg.Wait()
}

func cacheKey(category, key string) string { return category + ":" + key }

// Get reads key of category using the category's strategy.
func (r *Reader) Get(ctx context.Context, category, key string, fetch FetchFunc) (ReadResult, error) {
	p := r.Policy(category)
	ck := cacheKey(category, key)
	cached, hit := r.guard.Lookup(ctx, ck)
	age := r.now().Sub(cached.StoredAt())
	fresh := hit && (p.TTL <= 0 || age < p.TTL)
	fromCache := func(src Source) ReadResult {
		return ReadResult{Value: cached.Value, Source: src, StoredAt: cached.StoredAt()}
	}

	switch p.Strategy {
	case CacheFirst:
		if fresh {
			if p.TTL > 0 && p.TTL-age <= p.RefreshWindow {
				r.refresh(category, key, fetch)
			}
			return fromCache(SourceCache), nil
		}
		res, err := r.fetch(ctx, ck, fetch)
		if err != nil && hit {
			return fromCache(SourceStale), nil
		}
		return res, err

	case StaleWhileRevalidate:
		if hit {
			r.refresh(category, key, fetch)
			src := SourceCache
			if !fresh {
				src = SourceStale
			}
			return fromCache(src), nil
		}
		return r.fetch(ctx, ck, fetch)

	default:
		res, err := r.fetch(ctx, ck, fetch)
		if err == nil {
			return res, nil
		}
		if hit {
			r.log.DebugContext(ctx, "offline.read_fallback", slog.String("key", ck), slog.String("err", err.Error()))
			src := SourceCache
			if !fresh {
				src = SourceStale
			}
			return fromCache(src), nil
		}
		return res, err
	}
}

func (r *Reader) fetch(ctx context.Context, ck string, fetch FetchFunc) (ReadResult, error) {
	v, err := fetch(ctx)
	if err != nil {
		return ReadResult{}, fmt.Errorf("%w: %w", ErrNoData, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ReadResult{}, fmt.Errorf("offline: encode %s: %w", ck, err)
	}
	// Freshness is judged by the reader, so the guard keeps entries
	// without expiry and stale values stay available as a fallback.
	if err := r.guard.Put(ctx, ck, json.RawMessage(raw), 0); err != nil {
		r.log.WarnContext(ctx, "offline.cache_write_failed", slog.String("key", ck), slog.String("err", err.Error()))
	}
	return ReadResult{Value: raw, Source: SourceNetwork, StoredAt: r.now()}, nil
}

// refresh starts one background fetch per key; duplicates are skipped.
func (r *Reader) refresh(category, key string, fetch FetchFunc) {
	ck := cacheKey(category, key)
	r.mu.Lock()
	if _, busy := r.inflight[ck]; busy || r.baseCtx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.inflight[ck] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		res, err := r.fetch(r.baseCtx, ck, fetch)

		r.mu.Lock()
		delete(r.inflight, ck)
		fns := make([]func(Update), 0, len(r.listeners))
		for _, fn := range r.listeners {
			fns = append(fns, fn)
		}
		r.mu.Unlock()

		if r.baseCtx.Err() != nil {
			return
		}
		u := Update{Category: category, Key: key, Value: res.Value, Err: err}
		for _, fn := range fns {
			fn(u)
		}
	}()
}
