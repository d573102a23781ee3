package filekv

import (
	"context"
	"errors"
	"testing"

	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/kv/kvtest"
)

func TestFileStoreConformance(t *testing.T) {
	kvtest.RunStoreTests(t, func(t *testing.T) kv.Store {
		s, err := New(Config{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}

func TestSharedDirectoryAcrossStores(t *testing.T) {
	dir := t.TempDir()
	a, _ := New(Config{Dir: dir})
	b, _ := New(Config{Dir: dir})
	ctx := context.Background()

	if err := a.Set(ctx, "tabsync:session", []byte(`{"u":1}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := kv.GetValue(ctx, b, "tabsync:session")
	if err != nil || !ok {
		t.Fatalf("second store must see the write: ok=%v err=%v", ok, err)
	}
	if string(val) != `{"u":1}` {
		t.Fatalf("unexpected value %q", val)
	}
}

func TestRawBytesSurfaceAsValue(t *testing.T) {
	s, _ := New(Config{Dir: t.TempDir()})
	if err := s.WriteRaw("broken", []byte("not-json,,")); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	val, ok, err := kv.GetValue(context.Background(), s, "broken")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(val) != "not-json,," {
		t.Fatalf("unexpected value %q", val)
	}
}

func TestFileQuota(t *testing.T) {
	s, _ := New(Config{Dir: t.TempDir(), MaxBytes: 120})
	ctx := context.Background()
	if err := s.Set(ctx, "a", []byte("x")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	big := make([]byte, 200)
	if err := s.Set(ctx, "b", big); !errors.Is(err, kv.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestFilenameRoundTrip(t *testing.T) {
	for _, key := range []string{"tabsync:cache:a/b", "üñí", "x"} {
		got, ok := KeyFromFilename(FilenameForKey(key))
		if !ok || got != key {
			t.Fatalf("round trip %q: got %q ok=%v", key, got, ok)
		}
	}
	if _, ok := KeyFromFilename(".tmp-kv-123"); ok {
		t.Fatal("temp files must be ignored")
	}
}
