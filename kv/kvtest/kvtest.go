// Package kvtest provides a conformance suite for kv.Store implementations.
package kvtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/kv"
)

// StoreFactory creates a new, empty store instance for testing.
type StoreFactory func(t *testing.T) kv.Store

// RunStoreTests runs the complete store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, factory) })
	t.Run("KeysByPrefix", func(t *testing.T) { testKeysByPrefix(t, factory) })
	t.Run("EmptyKeyRejected", func(t *testing.T) { testEmptyKey(t, factory) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, factory) })
	t.Run("CompareAndSwapRace", func(t *testing.T) { testCompareAndSwapRace(t, factory) })
}

func testSetAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "a", []byte("hello")); err != nil {
		t.Fatalf("set: %v", err)
	}
	it, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it == nil {
		t.Fatal("expected item, got nil")
	}
	if string(it.Value) != "hello" {
		t.Fatalf("expected hello, got %q", it.Value)
	}
	if it.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", it.ExpiresAt)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	it, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it != nil {
		t.Fatalf("expected nil item, got %+v", it)
	}
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	for _, v := range []string{"one", "two"} {
		if err := s.Set(ctx, "k", []byte(v)); err != nil {
			t.Fatalf("set %s: %v", v, err)
		}
	}
	val, ok, err := kv.GetValue(ctx, s, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(val) != "two" {
		t.Fatalf("expected two, got %q", val)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "gone", []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if it, _ := s.Get(ctx, "gone"); it != nil {
		t.Fatal("expected key to be deleted")
	}
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("deleting a missing key must not fail: %v", err)
	}
}

func testTTL(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Set(ctx, "short", []byte("x"), kv.WithTTL(100*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}
	it, err := s.Get(ctx, "short")
	if err != nil || it == nil {
		t.Fatalf("expected item before expiry, err=%v", err)
	}
	if it.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set")
	}

	time.Sleep(250 * time.Millisecond)

	it, err = s.Get(ctx, "short")
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if it != nil {
		t.Fatal("expected expired item to be gone")
	}
	keys, err := s.Keys(ctx, "short")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expired keys must not be listed, got %v", keys)
	}
}

func testKeysByPrefix(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	for _, k := range []string{"ns:a", "ns:b", "other:c"} {
		if err := s.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, err := s.Keys(ctx, "ns:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if fmt.Sprint(keys) != "[ns:a ns:b]" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	n, err := kv.DeletePrefix(ctx, s, "ns:")
	if err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deletions, got %d", n)
	}
	if it, _ := s.Get(ctx, "other:c"); it == nil {
		t.Fatal("keys outside the prefix must survive")
	}
}

func testEmptyKey(t *testing.T, factory StoreFactory) {
	s := factory(t)
	err := s.Set(context.Background(), " ", []byte("x"))
	if !errors.Is(err, kv.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func testCompareAndSwap(t *testing.T, factory StoreFactory) {
	s := factory(t)
	cas, ok := s.(kv.CompareAndSwapper)
	if !ok {
		t.Skip("store does not implement CompareAndSwap")
	}
	ctx := context.Background()

	swapped, err := cas.CompareAndSwap(ctx, "cas", nil, []byte("v1"))
	if err != nil || !swapped {
		t.Fatalf("create-if-absent: swapped=%v err=%v", swapped, err)
	}
	swapped, err = cas.CompareAndSwap(ctx, "cas", nil, []byte("v2"))
	if err != nil || swapped {
		t.Fatalf("create-if-absent on existing key must fail: swapped=%v err=%v", swapped, err)
	}
	swapped, err = cas.CompareAndSwap(ctx, "cas", []byte("wrong"), []byte("v2"))
	if err != nil || swapped {
		t.Fatalf("mismatched old value must fail: swapped=%v err=%v", swapped, err)
	}
	swapped, err = cas.CompareAndSwap(ctx, "cas", []byte("v1"), []byte("v2"))
	if err != nil || !swapped {
		t.Fatalf("matching swap: swapped=%v err=%v", swapped, err)
	}
	val, _, _ := kv.GetValue(ctx, s, "cas")
	if !bytes.Equal(val, []byte("v2")) {
		t.Fatalf("expected v2, got %q", val)
	}
}

func testCompareAndSwapRace(t *testing.T, factory StoreFactory) {
	s := factory(t)
	cas, ok := s.(kv.CompareAndSwapper)
	if !ok {
		t.Skip("store does not implement CompareAndSwap")
	}
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			swapped, err := cas.CompareAndSwap(ctx, "race", nil, []byte(fmt.Sprint(i)))
			if err != nil {
				t.Errorf("cas: %v", err)
				return
			}
			if swapped {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}
