// Package storebus is the store-and-poll fallback transport. Messages are
// written under a reserved key namespace with a short TTL; subscribers poll
// the namespace and deliver keys they have not seen yet. When the store is
// backed by a directory (filekv), an fsnotify watcher wakes pollers as soon
// as another process writes, and polling remains the safety net.
package storebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/session"
)

// Config configures the store transport.
type Config struct {
	// Prefix is the reserved key namespace. Default: session.BusKeyPrefix.
	Prefix string
	// TTL bounds how long a message stays readable. Default: 30s.
	TTL time.Duration
	// PollInterval is the polling period. Default: 250ms.
	PollInterval time.Duration
	// Logger receives transport diagnostics. Discarded if nil.
	Logger *slog.Logger
}

// Bus implements bus.Bus on top of a kv.Store.
type Bus struct {
	store kv.Store
	cfg   Config
	log   *slog.Logger
}

// dirStore is implemented by stores backed by a shared directory.
type dirStore interface {
	Dir() string
}

// New creates a store-backed bus.
func New(store kv.Store, cfg Config) *Bus {
	if cfg.Prefix == "" {
		cfg.Prefix = session.BusKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bus{store: store, cfg: cfg, log: log}
}

// Publish writes msg under a time-ordered key.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	data, err := bus.Encode(msg)
	if err != nil {
		return err
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	key := fmt.Sprintf("%s%020d-%s", b.cfg.Prefix, ts.UnixNano(), msg.ID)
	if err := b.store.Set(ctx, key, data, kv.WithTTL(b.cfg.TTL)); err != nil {
		return fmt.Errorf("storebus: publish: %w", err)
	}
	return nil
}

// Subscribe starts a poller delivering messages written after this call.
func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler) (func(), error) {
	existing, err := b.store.Keys(ctx, b.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("storebus: subscribe: %w", err)
	}
	p := &poller{
		b:       b,
		handler: handler,
		seen:    make(map[string]struct{}, len(existing)),
		wake:    make(chan struct{}, 1),
	}
	for _, k := range existing {
		p.seen[k] = struct{}{}
	}

	subCtx, cancel := context.WithCancel(ctx)
	if ds, ok := b.store.(dirStore); ok {
		go p.watch(subCtx, ds.Dir())
	}
	go p.run(subCtx)
	return cancel, nil
}

// Close is a no-op; the store is owned by the caller.
func (b *Bus) Close() error { return nil }

type poller struct {
	b       *Bus
	handler bus.Handler
	wake    chan struct{}

	mu   sync.Mutex
	seen map[string]struct{}
}

func (p *poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.poll(ctx)
	}
}

func (p *poller) poll(ctx context.Context) {
	keys, err := p.b.store.Keys(ctx, p.b.cfg.Prefix)
	if err != nil {
		p.b.log.DebugContext(ctx, "storebus.poll.failed", slog.String("err", err.Error()))
		return
	}

	p.mu.Lock()
	live := make(map[string]struct{}, len(keys))
	var fresh []string
	for _, k := range keys {
		live[k] = struct{}{}
		if _, ok := p.seen[k]; !ok {
			fresh = append(fresh, k)
			p.seen[k] = struct{}{}
		}
	}
	// Forget keys that expired so the seen set stays bounded.
	for k := range p.seen {
		if _, ok := live[k]; !ok {
			delete(p.seen, k)
		}
	}
	p.mu.Unlock()

	// Keys sort by publish time, so delivery is roughly chronological.
	for _, k := range fresh {
		raw, ok, err := kv.GetValue(ctx, p.b.store, k)
		if err != nil || !ok {
			continue
		}
		msg, err := bus.Decode(raw)
		if err != nil {
			p.b.log.DebugContext(ctx, "storebus.decode.failed", slog.String("key", k), slog.String("err", err.Error()))
			continue
		}
		p.handler(ctx, msg)
	}
}

// watch uses fsnotify to wake the poller when another process writes into
// the store directory. If fsnotify is unavailable the poller still runs on
// its ticker.
func (p *poller) watch(ctx context.Context, dir string) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.b.log.DebugContext(ctx, "fsnotify unavailable", slog.String("err", err.Error()))
		return
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(dir); err != nil {
		p.b.log.DebugContext(ctx, "fsnotify add dir failed", slog.String("err", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				select {
				case p.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.b.log.DebugContext(ctx, "fsnotify error", slog.String("err", err.Error()))
		}
	}
}

// Compile-time interface checks
var _ bus.Bus = (*Bus)(nil)
