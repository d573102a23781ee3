// Package bustest provides a conformance suite for bus.Bus implementations.
package bustest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/session"
)

// BusFactory creates a new bus instance for testing.
type BusFactory func(t *testing.T) bus.Bus

// RunBusTests runs the complete bus test suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishReachesSubscriber", func(t *testing.T) { testPublishReachesSubscriber(t, factory) })
	t.Run("FanOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("LateSubscriberOnlySeesLaterMessages", func(t *testing.T) { testLateSubscriber(t, factory) })
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribe(t, factory) })
	t.Run("EndpointIgnoresOwnMessages", func(t *testing.T) { testEndpointIgnoresOwn(t, factory) })
}

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
	ch   chan struct{}
}

func newRecorder() *recorder { return &recorder{ch: make(chan struct{}, 64)} }

func (r *recorder) handle(ctx context.Context, msg bus.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, n int, timeout time.Duration) []bus.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if len(r.msgs) >= n {
			out := append([]bus.Message(nil), r.msgs...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			r.mu.Lock()
			got := len(r.msgs)
			r.mu.Unlock()
			t.Fatalf("timed out waiting for %d messages, got %d", n, got)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func testPublishReachesSubscriber(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := newRecorder()
	unsub, err := b.Subscribe(ctx, rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	snap := session.Snapshot{SessionID: "s1", UserID: "u1", Token: "tok", IsActive: true}
	msg := bus.Message{ID: "m1", ContextID: "ctx-a", Timestamp: time.Now(), SessionID: "s1", Payload: bus.SessionUpdate{Snapshot: snap}}
	if err := b.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := rec.waitFor(t, 1, 3*time.Second)
	if got[0].Type() != bus.TypeSessionUpdate {
		t.Fatalf("expected session_update, got %s", got[0].Type())
	}
	update, ok := got[0].Payload.(bus.SessionUpdate)
	if !ok {
		t.Fatalf("expected SessionUpdate payload, got %T", got[0].Payload)
	}
	if update.Snapshot.Token != "tok" || got[0].ContextID != "ctx-a" {
		t.Fatalf("unexpected message: %+v", got[0])
	}
}

func testFanOut(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r1, r2 := newRecorder(), newRecorder()
	u1, err := b.Subscribe(ctx, r1.handle)
	if err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	defer u1()
	u2, err := b.Subscribe(ctx, r2.handle)
	if err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	defer u2()

	for i, id := range []string{"a", "b", "c"} {
		msg := bus.Message{ID: id, ContextID: "ctx", Timestamp: time.Now().Add(time.Duration(i) * time.Millisecond), Payload: bus.Heartbeat{}}
		if err := b.Publish(ctx, msg); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	r1.waitFor(t, 3, 3*time.Second)
	r2.waitFor(t, 3, 3*time.Second)
}

func testLateSubscriber(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.Publish(ctx, bus.Message{ID: "early", ContextID: "ctx", Timestamp: time.Now(), Payload: bus.Logout{}}); err != nil {
		t.Fatalf("publish early: %v", err)
	}

	rec := newRecorder()
	unsub, err := b.Subscribe(ctx, rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := b.Publish(ctx, bus.Message{ID: "late", ContextID: "ctx", Timestamp: time.Now().Add(time.Millisecond), Payload: bus.Logout{Reason: "late"}}); err != nil {
		t.Fatalf("publish late: %v", err)
	}
	got := rec.waitFor(t, 1, 3*time.Second)
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("expected exactly 1 message, got %d", rec.count())
	}
	if got[0].ID != "late" {
		t.Fatalf("expected the late message, got %s", got[0].ID)
	}
}

func testUnsubscribe(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := newRecorder()
	unsub, err := b.Subscribe(ctx, rec.handle)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub()
	time.Sleep(50 * time.Millisecond)

	if err := b.Publish(ctx, bus.Message{ID: "x", ContextID: "ctx", Timestamp: time.Now(), Payload: bus.Heartbeat{}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %d", rec.count())
	}
}

func testEndpointIgnoresOwn(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := bus.NewEndpoint(b, "ctx-a")
	other := bus.NewEndpoint(b, "ctx-b")

	recA := newRecorder()
	unsub, err := a.Listen(ctx, recA.handle)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer unsub()

	if err := a.Send(ctx, bus.Heartbeat{}); err != nil {
		t.Fatalf("send own: %v", err)
	}
	if err := other.Send(ctx, bus.TabUnregister{ContextID: "ctx-b"}); err != nil {
		t.Fatalf("send other: %v", err)
	}
	got := recA.waitFor(t, 1, 3*time.Second)
	time.Sleep(300 * time.Millisecond)
	if recA.count() != 1 {
		t.Fatalf("endpoint must not deliver its own messages; got %d messages", recA.count())
	}
	if got[0].ContextID != "ctx-b" {
		t.Fatalf("expected message from ctx-b, got %s", got[0].ContextID)
	}
}
