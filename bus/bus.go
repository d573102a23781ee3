// Package bus defines the broadcast channel shared by all execution contexts
// of the same user and the typed messages carried over it.
//
// Delivery is best-effort, at-least-once and unordered relative to local
// store writes. Transports:
//
//	memorybus : in-process hub for contexts living in one process (tests, embedded use)
//	redisbus  : Redis Streams broadcast for contexts on different hosts
//	storebus  : store-and-poll fallback built on any kv.Store
//
// Failover composes a primary transport with a fallback of the same
// contract. Endpoint binds a transport to one context: it stamps outgoing
// messages and drops the context's own messages on receipt.
package bus

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler receives a delivered message.
type Handler func(ctx context.Context, msg Message)

// Bus is a broadcast transport.
type Bus interface {
	// Publish delivers msg to every current subscriber, best effort.
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers handler until the returned function is called or
	// ctx ends.
	Subscribe(ctx context.Context, handler Handler) (unsubscribe func(), err error)
	// Close releases transport resources.
	Close() error
}

var (
	// ErrUnavailable is returned by transports that are temporarily unable
	// to broadcast.
	ErrUnavailable = errors.New("bus: transport unavailable")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("bus: closed")
)

// Endpoint is one context's view of the bus.
type Endpoint struct {
	bus       Bus
	contextID string
	sessionID atomic.Value // string
	now       func() time.Time
	log       *slog.Logger
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) EndpointOption {
	return func(e *Endpoint) { e.now = now }
}

// WithEndpointLogger sets the logger. Logs are discarded by default.
func WithEndpointLogger(l *slog.Logger) EndpointOption {
	return func(e *Endpoint) { e.log = l }
}

// NewEndpoint binds b to contextID.
func NewEndpoint(b Bus, contextID string, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{bus: b, contextID: contextID, now: time.Now, log: slog.New(slog.DiscardHandler)}
	e.sessionID.Store("")
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ContextID returns the context this endpoint speaks for.
func (e *Endpoint) ContextID() string { return e.contextID }

// SetSessionID sets the session id stamped on outgoing messages.
func (e *Endpoint) SetSessionID(id string) { e.sessionID.Store(id) }

// SessionID returns the session id stamped on outgoing messages.
func (e *Endpoint) SessionID() string { return e.sessionID.Load().(string) }

// Send stamps and publishes p.
func (e *Endpoint) Send(ctx context.Context, p Payload) error {
	msg := Message{
		ID:        uuid.NewString(),
		ContextID: e.contextID,
		Timestamp: e.now(),
		SessionID: e.SessionID(),
		Payload:   p,
	}
	if err := e.bus.Publish(ctx, msg); err != nil {
		e.log.WarnContext(ctx, "bus.publish.failed", slog.String("type", string(p.MessageType())), slog.String("err", err.Error()))
		return err
	}
	return nil
}

// Listen subscribes h to foreign messages only.
func (e *Endpoint) Listen(ctx context.Context, h Handler) (func(), error) {
	return e.bus.Subscribe(ctx, func(ctx context.Context, msg Message) {
		if msg.ContextID == e.contextID {
			return
		}
		h(ctx, msg)
	})
}

// Failover publishes on a primary transport and switches to the fallback
// when the primary fails. The primary is probed again after ProbeInterval.
// Subscribers listen on both; a message delivered by both transports reaches
// the handler once.
type Failover struct {
	primary  Bus
	fallback Bus
	log      *slog.Logger

	// ProbeInterval is how long the primary is skipped after a failure.
	ProbeInterval time.Duration
	now           func() time.Time

	mu         sync.Mutex
	degradedAt time.Time
}

// NewFailover composes primary and fallback.
func NewFailover(primary, fallback Bus, log *slog.Logger) *Failover {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Failover{primary: primary, fallback: fallback, log: log, ProbeInterval: 5 * time.Second, now: time.Now}
}

// Degraded reports whether publishes currently go to the fallback.
func (f *Failover) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.degradedAt.IsZero()
}

func (f *Failover) primaryUsable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degradedAt.IsZero() || f.now().Sub(f.degradedAt) >= f.ProbeInterval
}

// Publish tries the primary unless it recently failed, then the fallback.
func (f *Failover) Publish(ctx context.Context, msg Message) error {
	if f.primaryUsable() {
		err := f.primary.Publish(ctx, msg)
		f.mu.Lock()
		if err == nil {
			f.degradedAt = time.Time{}
			f.mu.Unlock()
			return nil
		}
		wasHealthy := f.degradedAt.IsZero()
		f.degradedAt = f.now()
		f.mu.Unlock()
		if wasHealthy {
			f.log.WarnContext(ctx, "bus.failover.degraded", slog.String("err", err.Error()))
		}
	}
	return f.fallback.Publish(ctx, msg)
}

// Subscribe listens on both transports with duplicate suppression.
func (f *Failover) Subscribe(ctx context.Context, h Handler) (func(), error) {
	seen := NewDedup(1024)
	wrapped := func(ctx context.Context, msg Message) {
		if msg.ID != "" && !seen.FirstSeen(msg.ID) {
			return
		}
		h(ctx, msg)
	}
	unsubPrimary, errPrimary := f.primary.Subscribe(ctx, wrapped)
	unsubFallback, errFallback := f.fallback.Subscribe(ctx, wrapped)
	if errPrimary != nil && errFallback != nil {
		return nil, errors.Join(errPrimary, errFallback)
	}
	if errPrimary != nil {
		f.log.WarnContext(ctx, "bus.failover.primary_subscribe_failed", slog.String("err", errPrimary.Error()))
	}
	return func() {
		if unsubPrimary != nil {
			unsubPrimary()
		}
		if unsubFallback != nil {
			unsubFallback()
		}
	}, nil
}

// Close closes both transports.
func (f *Failover) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}

// Dedup remembers a bounded number of recently seen message ids.
type Dedup struct {
	mu    sync.Mutex
	max   int
	order *list.List
	ids   map[string]*list.Element
}

// NewDedup creates a Dedup holding at most max ids.
func NewDedup(max int) *Dedup {
	return &Dedup{max: max, order: list.New(), ids: make(map[string]*list.Element)}
}

// FirstSeen records id and reports whether it was new.
func (d *Dedup) FirstSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[id]; ok {
		return false
	}
	d.ids[id] = d.order.PushBack(id)
	for d.order.Len() > d.max {
		front := d.order.Front()
		delete(d.ids, front.Value.(string))
		d.order.Remove(front)
	}
	return true
}

var _ Bus = (*Failover)(nil)
