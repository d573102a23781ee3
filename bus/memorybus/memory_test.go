package memorybus

import (
	"context"
	"errors"
	"testing"

	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/bus/bustest"
)

func TestMemoryBus(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) bus.Bus {
		h := New()
		t.Cleanup(func() { _ = h.Close() })
		return h
	})
}

func TestUnavailableHubRejectsPublish(t *testing.T) {
	h := New()
	defer h.Close()
	h.SetAvailable(false)
	err := h.Publish(context.Background(), bus.Message{Payload: bus.Heartbeat{}})
	if !errors.Is(err, bus.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClosedHub(t *testing.T) {
	h := New()
	_ = h.Close()
	if _, err := h.Subscribe(context.Background(), func(context.Context, bus.Message) {}); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
