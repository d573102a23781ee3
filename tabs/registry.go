// Package tabs tracks the live execution contexts sharing a store and
// arbitrates named advisory locks between them.
package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/session"
)

// Registry is one context's membership record and lock client.
type Registry struct {
	store kv.Store
	ep    *bus.Endpoint
	id    string
	log   *slog.Logger
	now   func() time.Time

	heartbeatInterval time.Duration
	livenessTimeout   time.Duration
	sweepInterval     time.Duration
	lockTTL           time.Duration
	settleDelay       time.Duration

	mu        sync.Mutex
	sessionID string
	view      map[string]session.TabInfo
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithContextID fixes the context id. It is ignored when the endpoint
// already carries one.
func WithContextID(id string) Option { return func(r *Registry) { r.id = id } }

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithHeartbeatInterval sets the heartbeat period. Default: 2m.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatInterval = d }
}

// WithLivenessTimeout sets how long a silent context is considered alive.
// Default: 2m.
func WithLivenessTimeout(d time.Duration) Option {
	return func(r *Registry) { r.livenessTimeout = d }
}

// WithSweepInterval sets the purge period. Default: 60s.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithLockTTL sets the lock lifetime. Default: 30s.
func WithLockTTL(d time.Duration) Option { return func(r *Registry) { r.lockTTL = d } }

// WithSettleDelay sets how long the write-verify lock protocol waits before
// re-reading. Only used when the store cannot compare-and-swap.
// Default: 50ms.
func WithSettleDelay(d time.Duration) Option { return func(r *Registry) { r.settleDelay = d } }

// NewRegistry creates a registry. ep may be nil, in which case nothing is
// broadcast and the view is built from the store alone.
func NewRegistry(store kv.Store, ep *bus.Endpoint, opts ...Option) *Registry {
	r := &Registry{
		store:             store,
		ep:                ep,
		log:               slog.New(slog.DiscardHandler),
		now:               time.Now,
		heartbeatInterval: 2 * time.Minute,
		livenessTimeout:   2 * time.Minute,
		sweepInterval:     60 * time.Second,
		lockTTL:           30 * time.Second,
		settleDelay:       50 * time.Millisecond,
		view:              make(map[string]session.TabInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	if ep != nil && ep.ContextID() != "" {
		r.id = ep.ContextID()
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	return r
}

// ContextID returns this context's id.
func (r *Registry) ContextID() string { return r.id }

// SetSessionID records the session this context currently serves.
func (r *Registry) SetSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
	if r.ep != nil {
		r.ep.SetSessionID(id)
	}
}

// SessionID returns the session this context currently serves.
func (r *Registry) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Registry) self() session.TabInfo {
	return session.TabInfo{ContextID: r.id, LastSeen: r.now(), IsActive: true, SessionID: r.SessionID()}
}

func (r *Registry) writeSelf(ctx context.Context) (session.TabInfo, error) {
	tab := r.self()
	raw, err := json.Marshal(tab)
	if err != nil {
		return tab, err
	}
	if err := r.store.Set(ctx, session.TabKeyPrefix+r.id, raw); err != nil {
		return tab, fmt.Errorf("tabs: write %s: %w", r.id, err)
	}
	return tab, nil
}

// Register writes this context's record and announces it.
func (r *Registry) Register(ctx context.Context) error {
	tab, err := r.writeSelf(ctx)
	if err != nil {
		return err
	}
	r.send(ctx, bus.TabRegister{Tab: tab})
	r.log.InfoContext(ctx, "tabs.registered", slog.String("context_id", r.id))
	return nil
}

// Start registers and launches the heartbeat and sweep loops. The loops
// stop when ctx ends or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(2)
	go r.every(loopCtx, r.heartbeatInterval, func(ctx context.Context) {
		if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			r.log.WarnContext(ctx, "tabs.heartbeat.failed", slog.String("err", err.Error()))
		}
	})
	go r.every(loopCtx, r.sweepInterval, func(ctx context.Context) {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.WarnContext(ctx, "tabs.sweep.failed", slog.String("err", err.Error()))
		}
	})
	return nil
}

func (r *Registry) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	defer r.wg.Done()
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Heartbeat refreshes this context's last-seen time and announces it.
func (r *Registry) Heartbeat(ctx context.Context) error {
	tab, err := r.writeSelf(ctx)
	if err != nil {
		return err
	}
	r.send(ctx, bus.Heartbeat{Tab: tab})
	return nil
}

// Sweep purges contexts silent for longer than the liveness timeout and
// returns their ids.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	stored, err := r.stored(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	var purged []string
	for _, tab := range stored {
		if tab.ContextID == r.id || !r.stale(tab, now) {
			continue
		}
		if err := r.store.Delete(ctx, session.TabKeyPrefix+tab.ContextID); err != nil {
			return purged, fmt.Errorf("tabs: purge %s: %w", tab.ContextID, err)
		}
		purged = append(purged, tab.ContextID)
	}

	r.mu.Lock()
	for id, tab := range r.view {
		if r.stale(tab, now) {
			delete(r.view, id)
		}
	}
	r.mu.Unlock()

	if len(purged) > 0 {
		r.log.InfoContext(ctx, "tabs.swept", slog.Any("purged", purged))
	}
	return purged, nil
}

func (r *Registry) stale(tab session.TabInfo, now time.Time) bool {
	return now.Sub(tab.LastSeen) > r.livenessTimeout
}

func (r *Registry) stored(ctx context.Context) ([]session.TabInfo, error) {
	keys, err := r.store.Keys(ctx, session.TabKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("tabs: list: %w", err)
	}
	out := make([]session.TabInfo, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := kv.GetValue(ctx, r.store, k)
		if err != nil || !ok {
			continue
		}
		var tab session.TabInfo
		if err := json.Unmarshal(raw, &tab); err != nil {
			r.log.DebugContext(ctx, "tabs.decode.failed", slog.String("key", k))
			continue
		}
		if tab.ContextID == "" {
			tab.ContextID = strings.TrimPrefix(k, session.TabKeyPrefix)
		}
		out = append(out, tab)
	}
	return out, nil
}

// Tabs returns the live contexts, merging the store with the view built
// from bus messages, sorted by id.
func (r *Registry) Tabs(ctx context.Context) ([]session.TabInfo, error) {
	stored, err := r.stored(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	merged := make(map[string]session.TabInfo, len(stored))
	for _, tab := range stored {
		merged[tab.ContextID] = tab
	}
	r.mu.Lock()
	for id, tab := range r.view {
		if cur, ok := merged[id]; !ok || tab.LastSeen.After(cur.LastSeen) {
			merged[id] = tab
		}
	}
	r.mu.Unlock()

	out := make([]session.TabInfo, 0, len(merged))
	for _, tab := range merged {
		if r.stale(tab, now) {
			continue
		}
		out = append(out, tab)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContextID < out[j].ContextID })
	return out, nil
}

// ActiveCount returns the number of live contexts.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	tabs, err := r.Tabs(ctx)
	return len(tabs), err
}

// HandleMessage folds membership messages from other contexts into the
// local view. It reports whether the message was a membership message.
func (r *Registry) HandleMessage(ctx context.Context, msg bus.Message) bool {
	var tab session.TabInfo
	switch p := msg.Payload.(type) {
	case bus.TabRegister:
		tab = p.Tab
	case bus.Heartbeat:
		tab = p.Tab
	case bus.TabUnregister:
		id := p.ContextID
		if id == "" {
			id = msg.ContextID
		}
		r.mu.Lock()
		delete(r.view, id)
		r.mu.Unlock()
		return true
	default:
		return false
	}
	if tab.ContextID == "" {
		tab.ContextID = msg.ContextID
	}
	if tab.ContextID == "" || tab.ContextID == r.id {
		return true
	}
	if tab.LastSeen.IsZero() {
		tab.LastSeen = msg.Timestamp
	}
	r.mu.Lock()
	r.view[tab.ContextID] = tab
	r.mu.Unlock()
	return true
}

// Stop cancels the loops, waits for them and unregisters.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	err := r.store.Delete(ctx, session.TabKeyPrefix+r.id)
	r.send(ctx, bus.TabUnregister{ContextID: r.id})
	if err != nil {
		return fmt.Errorf("tabs: unregister: %w", err)
	}
	r.log.InfoContext(ctx, "tabs.unregistered", slog.String("context_id", r.id))
	return nil
}

func (r *Registry) send(ctx context.Context, p bus.Payload) {
	if r.ep == nil {
		return
	}
	// Losing the bus degrades accuracy only.
	if err := r.ep.Send(ctx, p); err != nil {
		r.log.DebugContext(ctx, "tabs.broadcast.failed", slog.String("type", string(p.MessageType())), slog.String("err", err.Error()))
	}
}
