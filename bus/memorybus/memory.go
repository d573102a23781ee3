// Package memorybus provides an in-memory implementation of bus.Bus. All
// contexts attached to one *Hub receive each other's messages. Messages are
// serialized on publish so subscribers always receive their own copy.
package memorybus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/m1ndvortex/tabsync/bus"
)

const subscriberBuffer = 256

// Hub implements bus.Bus using in-process channels.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscription]struct{}
	closed      bool

	unavailable atomic.Bool
	dropped     atomic.Int64
}

type subscription struct {
	ch      chan []byte
	handler bus.Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subscribers: make(map[*subscription]struct{})}
}

// SetAvailable toggles the hub. While unavailable, Publish fails with
// bus.ErrUnavailable, which lets tests exercise failover paths.
func (h *Hub) SetAvailable(ok bool) { h.unavailable.Store(!ok) }

// Dropped reports how many deliveries were dropped because a subscriber was
// backed up.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Publish implements bus.Bus.Publish.
func (h *Hub) Publish(ctx context.Context, msg bus.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if h.unavailable.Load() {
		return bus.ErrUnavailable
	}
	data, err := bus.Encode(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return bus.ErrClosed
	}
	for sub := range h.subscribers {
		select {
		case sub.ch <- data:
		case <-sub.ctx.Done():
		default:
			// Best-effort broadcast: a backed-up subscriber misses this message.
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements bus.Bus.Subscribe.
func (h *Hub) Subscribe(ctx context.Context, handler bus.Handler) (func(), error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:      make(chan []byte, subscriberBuffer),
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, bus.ErrClosed
	}
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go sub.run()
	go func() {
		<-subCtx.Done()
		h.remove(sub)
	}()

	return func() { sub.cancel() }, nil
}

// Close implements bus.Bus.Close.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	return nil
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
}

func (s *subscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.ch:
			msg, err := bus.Decode(data)
			if err != nil {
				continue
			}
			s.handler(s.ctx, msg)
		}
	}
}

// Compile-time interface checks
var _ bus.Bus = (*Hub)(nil)
