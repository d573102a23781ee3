package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/session"
)

// Chooser asks the user how to resolve a conflict. Choose should return
// when ctx ends.
type Chooser interface {
	Choose(ctx context.Context, c Conflict) (Strategy, error)
}

// ChooserFunc adapts a function to Chooser.
type ChooserFunc func(ctx context.Context, c Conflict) (Strategy, error)

func (f ChooserFunc) Choose(ctx context.Context, c Conflict) (Strategy, error) { return f(ctx, c) }

// ErrUnknownConflict is returned by Resolve for ids that were never
// detected by this resolver.
var ErrUnknownConflict = errors.New("conflict: unknown conflict")

// Outcome is the result of handling an incoming snapshot.
type Outcome struct {
	// Conflict is set when a conflict was detected.
	Conflict *Conflict
	// Pending is true while the conflict waits for a user decision.
	Pending bool
	// Adopted is true when the local snapshot changed.
	Adopted  bool
	Snapshot session.Snapshot
}

// Stats summarizes the resolver's activity.
type Stats struct {
	Detected   int              `json:"detected"`
	Resolved   int              `json:"resolved"`
	Open       int              `json:"open"`
	ByType     map[Type]int     `json:"byType"`
	ByStrategy map[Strategy]int `json:"byStrategy"`
}

// ChangeFunc is notified whenever the local snapshot changes.
type ChangeFunc func(ctx context.Context, snap session.Snapshot, cause *Conflict)

// Resolver owns this context's view of the session and reconciles it with
// snapshots arriving from other contexts.
type Resolver struct {
	store       kv.Store
	ep          *bus.Endpoint
	chooser     Chooser
	onChange    ChangeFunc
	timeout     time.Duration
	historySize int
	log         *slog.Logger
	now         func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	local   session.Snapshot
	open    map[string]*pending
	history []Conflict
	applied map[string]session.Snapshot
	stats   Stats
}

type pending struct {
	conflict Conflict
	done     chan struct{}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithChooser sets the user decision contract for concurrent logins.
func WithChooser(c Chooser) Option { return func(r *Resolver) { r.chooser = c } }

// WithAutoResolveTimeout bounds how long a user decision is awaited.
// Default: 30s.
func WithAutoResolveTimeout(d time.Duration) Option { return func(r *Resolver) { r.timeout = d } }

// WithHistory bounds the resolved-conflict history. Default: 50.
func WithHistory(n int) Option { return func(r *Resolver) { r.historySize = n } }

// WithOnChange registers a callback for local snapshot changes.
func WithOnChange(fn ChangeFunc) Option { return func(r *Resolver) { r.onChange = fn } }

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

// NewResolver creates a resolver. ep may be nil to skip broadcasting.
func NewResolver(store kv.Store, ep *bus.Endpoint, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		ep:          ep,
		timeout:     30 * time.Second,
		historySize: 50,
		log:         slog.New(slog.DiscardHandler),
		now:         time.Now,
		open:        make(map[string]*pending),
		applied:     make(map[string]session.Snapshot),
		stats:       Stats{ByType: map[Type]int{}, ByStrategy: map[Strategy]int{}},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.baseCtx, r.stop = context.WithCancel(context.Background())
	return r
}

// Close abandons pending user decisions.
func (r *Resolver) Close() { r.stop() }

// Local returns a copy of the local snapshot.
func (r *Resolver) Local() session.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local.Clone()
}

// SetLocal replaces the local snapshot without conflict detection, e.g.
// after this context logged in.
func (r *Resolver) SetLocal(s session.Snapshot) {
	r.mu.Lock()
	r.local = s.Clone()
	r.mu.Unlock()
}

// HandleIncoming reconciles a foreign snapshot with the local one.
func (r *Resolver) HandleIncoming(ctx context.Context, incoming session.Snapshot) (Outcome, error) {
	if incoming.IsZero() {
		return Outcome{Snapshot: r.Local()}, nil
	}
	now := r.now()

	r.mu.Lock()
	local := r.local.Clone()
	if local.IsZero() {
		if !incoming.ValidAt(now) {
			r.mu.Unlock()
			return Outcome{Snapshot: local}, nil
		}
		r.local = incoming.Clone()
		r.mu.Unlock()
		r.changed(ctx, incoming, nil)
		return Outcome{Adopted: true, Snapshot: incoming.Clone()}, nil
	}
	if local.Equal(incoming) {
		r.mu.Unlock()
		return Outcome{Snapshot: local}, nil
	}

	typ, found := Detect(local, incoming)
	if !found {
		// Same session seen later elsewhere: last writer wins.
		if incoming.LastActivity.After(local.LastActivity) {
			r.local = incoming.Clone()
			r.mu.Unlock()
			r.changed(ctx, incoming, nil)
			return Outcome{Adopted: true, Snapshot: incoming.Clone()}, nil
		}
		r.mu.Unlock()
		return Outcome{Snapshot: local}, nil
	}

	if p := r.openFor(typ, incoming.SessionID); p != nil {
		// Keep one prompt per foreign session; later updates refresh it.
		if !incoming.LastActivity.Before(p.conflict.Incoming.LastActivity) {
			p.conflict.Incoming = incoming.Clone()
		}
		cp := p.conflict
		r.mu.Unlock()
		return Outcome{Conflict: &cp, Pending: true, Snapshot: local}, nil
	}

	c := Conflict{ID: uuid.NewString(), Type: typ, DetectedAt: now, Current: local, Incoming: incoming.Clone()}
	r.stats.Detected++
	r.stats.ByType[typ]++
	p := &pending{conflict: c, done: make(chan struct{})}
	r.open[c.ID] = p
	r.mu.Unlock()

	r.log.InfoContext(ctx, "conflict.detected", slog.String("conflict_id", c.ID), slog.String("type", string(typ)))

	if strategy, ok := AutoStrategy(c); ok {
		snap, err := r.Resolve(ctx, c.ID, Resolution{Strategy: strategy})
		resolved := r.find(c.ID)
		return Outcome{Conflict: &resolved, Adopted: !snap.Equal(local), Snapshot: snap}, err
	}

	go r.awaitChoice(p, c)
	cp := c
	return Outcome{Conflict: &cp, Pending: true, Snapshot: local}, nil
}

// openFor returns the open conflict of type typ raised by incomingID.
// Callers hold r.mu.
func (r *Resolver) openFor(typ Type, incomingID string) *pending {
	for _, p := range r.open {
		if p.conflict.Type == typ && p.conflict.Incoming.SessionID == incomingID {
			return p
		}
	}
	return nil
}

func (r *Resolver) awaitChoice(p *pending, c Conflict) {
	ctx, cancel := context.WithTimeout(r.baseCtx, r.timeout)
	defer cancel()

	choice := make(chan Strategy, 1)
	if r.chooser != nil {
		go func() {
			s, err := r.chooser.Choose(ctx, c)
			if err != nil {
				r.log.DebugContext(ctx, "conflict.chooser.failed", slog.String("err", err.Error()))
				return
			}
			choice <- s
		}()
	}

	res := Resolution{Strategy: KeepCurrent}
	select {
	case <-p.done:
		return
	case s := <-choice:
		res = Resolution{Strategy: UserChoice, UserChoice: s}
	case <-ctx.Done():
		if r.baseCtx.Err() != nil {
			return
		}
		r.log.Info("conflict.auto_resolved", slog.String("conflict_id", c.ID))
	}
	if _, err := r.Resolve(context.Background(), c.ID, res); err != nil {
		r.log.Warn("conflict.resolve.failed", slog.String("conflict_id", c.ID), slog.String("err", err.Error()))
	}
}

// Resolve applies res to an open conflict, persists and broadcasts the
// outcome. Resolving an already resolved conflict returns the state it
// produced the first time and changes nothing.
func (r *Resolver) Resolve(ctx context.Context, id string, res Resolution) (session.Snapshot, error) {
	r.mu.Lock()
	p, ok := r.open[id]
	if !ok {
		snap, done := r.applied[id]
		r.mu.Unlock()
		if done {
			return snap.Clone(), nil
		}
		return session.Snapshot{}, ErrUnknownConflict
	}
	if res.AppliedAt.IsZero() {
		res.AppliedAt = r.now()
	}
	c := p.conflict
	snap := Apply(c, res)
	if res.Effective() == KeepCurrent {
		// Keep whatever the local state has become since detection.
		snap = r.local.Clone()
	}
	c.Resolved = true
	c.Resolution = &res
	delete(r.open, id)
	close(p.done)
	r.local = snap.Clone()
	r.applied[id] = snap.Clone()
	r.history = append(r.history, c)
	if over := len(r.history) - r.historySize; over > 0 {
		for _, old := range r.history[:over] {
			delete(r.applied, old.ID)
		}
		r.history = append([]Conflict(nil), r.history[over:]...)
	}
	r.stats.Resolved++
	r.stats.ByStrategy[res.Effective()]++
	r.mu.Unlock()

	r.log.InfoContext(ctx, "conflict.resolved",
		slog.String("conflict_id", id),
		slog.String("type", string(c.Type)),
		slog.String("strategy", string(res.Effective())))

	var errs []error
	switch res.Effective() {
	case UseIncoming, Merge:
		if err := session.Save(ctx, r.store, session.SnapshotKey, snap); err != nil {
			errs = append(errs, fmt.Errorf("conflict: persist snapshot: %w", err))
		}
	}
	if raw, err := json.Marshal(c); err == nil {
		if err := r.store.Set(ctx, session.ConflictKeyPrefix+id, raw, kv.WithTTL(24*time.Hour)); err != nil {
			r.log.DebugContext(ctx, "conflict.record.failed", slog.String("err", err.Error()))
		}
	}
	if r.ep != nil {
		err := r.ep.Send(ctx, bus.ConflictResolution{
			ConflictID:   id,
			ConflictType: string(c.Type),
			Strategy:     string(res.Effective()),
			Snapshot:     snap,
		})
		if err != nil {
			r.log.DebugContext(ctx, "conflict.broadcast.failed", slog.String("err", err.Error()))
		}
	}
	if !snap.Equal(c.Current) {
		r.changed(ctx, snap, &c)
	}
	return snap.Clone(), errors.Join(errs...)
}

// HandleResolution considers a resolution announced by another context.
// Snapshots it carries are re-validated before adoption: invalid ones are
// ignored, and valid ones are adopted directly only when they belong to the
// local session and are at least as recent. Anything else goes through
// regular detection.
func (r *Resolver) HandleResolution(ctx context.Context, msg bus.ConflictResolution) (Outcome, error) {
	switch Strategy(msg.Strategy) {
	case UseIncoming, Merge:
	default:
		// keep_current changes nothing here; force_reauth is the sender's
		// own decision about its own session.
		return Outcome{Snapshot: r.Local()}, nil
	}
	snap := msg.Snapshot
	if !snap.ValidAt(r.now()) {
		return Outcome{Snapshot: r.Local()}, nil
	}
	r.mu.Lock()
	local := r.local.Clone()
	acceptable := !local.IsZero() &&
		snap.UserID == local.UserID &&
		snap.SessionID == local.SessionID &&
		!snap.LastActivity.Before(local.LastActivity)
	if acceptable {
		r.local = snap.Clone()
		r.mu.Unlock()
		if !snap.Equal(local) {
			r.changed(ctx, snap, nil)
			return Outcome{Adopted: true, Snapshot: snap.Clone()}, nil
		}
		return Outcome{Snapshot: snap.Clone()}, nil
	}
	r.mu.Unlock()
	return r.HandleIncoming(ctx, snap)
}

// HandleMessage routes session-related bus messages. It reports whether
// the message was consumed.
func (r *Resolver) HandleMessage(ctx context.Context, msg bus.Message) bool {
	var err error
	switch p := msg.Payload.(type) {
	case bus.SessionUpdate:
		_, err = r.HandleIncoming(ctx, p.Snapshot)
	case bus.ConflictResolution:
		_, err = r.HandleResolution(ctx, p)
	default:
		return false
	}
	if err != nil {
		r.log.WarnContext(ctx, "conflict.handle.failed", slog.String("type", string(msg.Type())), slog.String("err", err.Error()))
	}
	return true
}

// CheckConsistency treats the shared persisted snapshot as incoming.
func (r *Resolver) CheckConsistency(ctx context.Context) (Outcome, error) {
	stored, ok, err := session.Load(ctx, r.store, session.SnapshotKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("conflict: load shared snapshot: %w", err)
	}
	if !ok {
		return Outcome{Snapshot: r.Local()}, nil
	}
	return r.HandleIncoming(ctx, stored)
}

// Run checks consistency every interval until ctx ends.
func (r *Resolver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.CheckConsistency(ctx); err != nil && ctx.Err() == nil {
				r.log.WarnContext(ctx, "conflict.consistency.failed", slog.String("err", err.Error()))
			}
		}
	}
}

// OpenConflicts returns unresolved conflicts, oldest first.
func (r *Resolver) OpenConflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.open))
	for _, p := range r.open {
		out = append(out, p.conflict)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// History returns resolved conflicts, oldest first.
func (r *Resolver) History() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Conflict(nil), r.history...)
}

// Stats returns a copy of the counters.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Open = len(r.open)
	s.ByType = maps.Clone(r.stats.ByType)
	s.ByStrategy = maps.Clone(r.stats.ByStrategy)
	return s
}

func (r *Resolver) find(id string) Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == id {
			return r.history[i]
		}
	}
	if p, ok := r.open[id]; ok {
		return p.conflict
	}
	return Conflict{ID: id}
}

func (r *Resolver) changed(ctx context.Context, snap session.Snapshot, cause *Conflict) {
	if r.onChange != nil {
		r.onChange(ctx, snap.Clone(), cause)
	}
}
