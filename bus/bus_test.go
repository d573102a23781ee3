package bus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/bus/memorybus"
	"github.com/m1ndvortex/tabsync/session"
)

func TestMessageRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	in := bus.Message{
		ID:        "id-1",
		ContextID: "ctx-a",
		Timestamp: ts,
		SessionID: "s1",
		Payload: bus.ConflictResolution{
			ConflictID:   "c1",
			ConflictType: "token_mismatch",
			Strategy:     "use_newer",
			Snapshot:     session.Snapshot{SessionID: "s1", UserID: "u1", Token: "t2", IsActive: true},
		},
	}
	raw, err := bus.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := bus.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type() != bus.TypeConflictResolution {
		t.Fatalf("type = %s", out.Type())
	}
	if !out.Timestamp.Equal(ts) || out.ContextID != "ctx-a" || out.SessionID != "s1" || out.ID != "id-1" {
		t.Fatalf("envelope mismatch: %+v", out)
	}
	cr, ok := out.Payload.(bus.ConflictResolution)
	if !ok {
		t.Fatalf("payload is %T, want value ConflictResolution", out.Payload)
	}
	if cr.Snapshot.Token != "t2" || cr.Strategy != "use_newer" {
		t.Fatalf("payload mismatch: %+v", cr)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := bus.Decode([]byte(`{"type":"telepathy","data":{},"contextId":"x","timestamp":0}`))
	if !errors.Is(err, bus.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestEncodeWithoutPayload(t *testing.T) {
	if _, err := bus.Encode(bus.Message{ID: "x"}); err == nil {
		t.Fatal("expected error for message without payload")
	}
}

func TestEndpointStampsMessages(t *testing.T) {
	hub := memorybus.New()
	defer hub.Close()

	fixed := time.UnixMilli(1_700_000_000_000)
	sender := bus.NewEndpoint(hub, "ctx-a", bus.WithClock(func() time.Time { return fixed }))
	sender.SetSessionID("s9")

	got := make(chan bus.Message, 1)
	unsub, err := hub.Subscribe(t.Context(), func(_ context.Context, m bus.Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := sender.Send(t.Context(), bus.Logout{UserID: "u1", Reason: "user"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-got:
		if m.ID == "" || m.ContextID != "ctx-a" || m.SessionID != "s9" || !m.Timestamp.Equal(fixed) {
			t.Fatalf("unexpected stamping: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestFailoverSwitchesToFallback(t *testing.T) {
	primary, fallback := memorybus.New(), memorybus.New()
	f := bus.NewFailover(primary, fallback, nil)
	defer f.Close()

	var count atomic.Int32
	got := make(chan struct{}, 4)
	unsub, err := f.Subscribe(t.Context(), func(context.Context, bus.Message) {
		count.Add(1)
		got <- struct{}{}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	primary.SetAvailable(false)
	if err := f.Publish(t.Context(), bus.Message{ID: "m1", ContextID: "a", Timestamp: time.Now(), Payload: bus.Heartbeat{}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !f.Degraded() {
		t.Fatal("expected failover to report degraded")
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered through fallback")
	}

	primary.SetAvailable(true)
	f.ProbeInterval = 0
	if err := f.Publish(t.Context(), bus.Message{ID: "m2", ContextID: "a", Timestamp: time.Now(), Payload: bus.Heartbeat{}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if f.Degraded() {
		t.Fatal("expected recovery after successful primary publish")
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered through primary")
	}
	if n := count.Load(); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
}

func TestFailoverSuppressesDuplicates(t *testing.T) {
	primary, fallback := memorybus.New(), memorybus.New()
	f := bus.NewFailover(primary, fallback, nil)
	defer f.Close()

	var count atomic.Int32
	unsub, err := f.Subscribe(t.Context(), func(context.Context, bus.Message) { count.Add(1) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	msg := bus.Message{ID: "dup", ContextID: "a", Timestamp: time.Now(), Payload: bus.Heartbeat{}}
	_ = primary.Publish(t.Context(), msg)
	_ = fallback.Publish(t.Context(), msg)

	time.Sleep(200 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
}

func TestDedupBounded(t *testing.T) {
	d := bus.NewDedup(2)
	if !d.FirstSeen("a") || !d.FirstSeen("b") {
		t.Fatal("fresh ids must be first seen")
	}
	if d.FirstSeen("a") {
		t.Fatal("repeat id must not be first seen")
	}
	d.FirstSeen("c")
	if !d.FirstSeen("a") {
		t.Fatal("evicted id should be accepted again")
	}
}
