package cacheguard

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/kv/memorykv"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.UnixMilli(1_700_000_000_000)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGuard(t *testing.T) (*Guard, *memorykv.Store, *clock) {
	t.Helper()
	clk := newClock()
	store := memorykv.MustNew(memorykv.Config{Now: clk.Now, CleanupInterval: -1})
	t.Cleanup(func() { _ = store.Close() })
	return New(store, WithClock(clk.Now)), store, clk
}

type profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func TestPutLoad(t *testing.T) {
	g, _, _ := newGuard(t)
	ctx := t.Context()
	if err := g.Put(ctx, "profile", profile{Name: "Ada", Email: "ada@example.com"}, time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	var got profile
	if err := g.LoadInto(ctx, "profile", &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Name != "Ada" {
		t.Fatalf("unexpected value: %+v", got)
	}
	rep := g.ValidateEntry(ctx, "profile")
	if rep.Corrupted {
		t.Fatalf("fresh entry reported corrupted: %+v", rep)
	}
}

func TestChecksumIsCanonical(t *testing.T) {
	a, err := Checksum([]byte(`{"b":1,"a":[1,2]}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Checksum([]byte(`{ "a" : [1,2], "b" : 1.0 }`))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("equivalent JSON hashed differently: %s vs %s", a, b)
	}
}

func TestTamperedEntryIsNeverTrusted(t *testing.T) {
	g, store, _ := newGuard(t)
	ctx := t.Context()

	tampered := Entry{Key: "prefs", Value: json.RawMessage(`{"theme":"evil"}`), Timestamp: 1_700_000_000_000, Checksum: "abc", Version: SchemaVersion}
	raw, _ := json.Marshal(tampered)
	if err := store.Set(ctx, StoreKey("prefs"), raw); err != nil {
		t.Fatal(err)
	}

	rep := g.ValidateEntry(ctx, "prefs")
	if !rep.Corrupted || rep.Type != TypeChecksumMismatch {
		t.Fatalf("expected checksum_mismatch, got %+v", rep)
	}
	if rep.RecoveryMethod == "" {
		t.Fatal("expected a recovery method")
	}
	if _, err := g.Load(ctx, "prefs"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tampered value must not be served, got err=%v", err)
	}
}

func TestTamperedEntryRestoredFromBackup(t *testing.T) {
	g, store, _ := newGuard(t)
	ctx := t.Context()
	if err := g.Put(ctx, "prefs", map[string]string{"theme": "dark"}, 0); err != nil {
		t.Fatal(err)
	}

	it, _ := store.Get(ctx, StoreKey("prefs"))
	var e Entry
	_ = json.Unmarshal(it.Value, &e)
	e.Value = json.RawMessage(`{"theme":"evil"}`)
	raw, _ := json.Marshal(e)
	_ = store.Set(ctx, StoreKey("prefs"), raw)

	rep := g.ValidateEntry(ctx, "prefs")
	if rep.Type != TypeChecksumMismatch || !rep.Recovered || rep.RecoveryMethod != MethodRestoredFromBackup {
		t.Fatalf("expected restore from backup, got %+v", rep)
	}
	var got map[string]string
	if err := g.LoadInto(ctx, "prefs", &got); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["theme"] != "dark" {
		t.Fatalf("restored value = %v", got)
	}
}

func TestValidationOrder(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantType   ReportType
		wantMethod string
		recovered  bool
	}{
		{
			name:       "garbage",
			raw:        `not json at all`,
			wantType:   TypeInvalidFormat,
			wantMethod: MethodDeleted,
		},
		{
			name:     "trailing garbage is trimmed",
			raw:      validEntry(t, "k", 0) + `,,garbage`,
			wantType: TypeInvalidFormat, wantMethod: MethodStructuralRepair, recovered: true,
		},
		{
			name:       "missing timestamp",
			raw:        `{"key":"k","value":{"a":1}}`,
			wantType:   TypeMissingMetadata,
			wantMethod: MethodMetadataRebuilt,
			recovered:  true,
		},
		{
			name:       "missing checksum",
			raw:        `{"key":"k","value":{"a":1},"timestamp":1700000000000,"version":"1"}`,
			wantType:   TypeMissingMetadata,
			wantMethod: MethodMetadataRebuilt,
			recovered:  true,
		},
		{
			name:       "expired",
			raw:        validEntryAt(t, "k", 1_699_999_000_000, 1000),
			wantType:   TypeExpiredData,
			wantMethod: MethodEvicted,
			recovered:  true,
		},
		{
			name:       "version mismatch",
			raw:        strings.Replace(validEntry(t, "k", 0), `"version":"1"`, `"version":"0"`, 1),
			wantType:   TypeInvalidFormat,
			wantMethod: MethodDeleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, store, _ := newGuard(t)
			ctx := t.Context()
			if err := store.Set(ctx, StoreKey("k"), []byte(tt.raw)); err != nil {
				t.Fatal(err)
			}
			rep := g.ValidateEntry(ctx, "k")
			if rep.Type != tt.wantType || rep.RecoveryMethod != tt.wantMethod || rep.Recovered != tt.recovered {
				t.Fatalf("got %+v, want type=%s method=%s recovered=%v", rep, tt.wantType, tt.wantMethod, tt.recovered)
			}
			if !rep.Corrupted {
				t.Fatal("report must be marked corrupted")
			}
			after := g.ValidateEntry(ctx, "k")
			if after.Corrupted {
				t.Fatalf("entry still corrupted after repair: %+v", after)
			}
		})
	}
}

func validEntry(t *testing.T, key string, ttl int64) string {
	return validEntryAt(t, key, 1_700_000_000_000, ttl)
}

func validEntryAt(t *testing.T, key string, ts, ttl int64) string {
	t.Helper()
	value := json.RawMessage(`{"a":1}`)
	sum, err := Checksum(value)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(Entry{Key: key, Value: value, Timestamp: ts, TTL: ttl, Checksum: sum, Version: SchemaVersion})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestQuotaPurgesStaleAndRetries(t *testing.T) {
	clk := newClock()
	store := memorykv.MustNew(memorykv.Config{Now: clk.Now, CleanupInterval: -1, MaxBytes: 1000})
	defer store.Close()
	g := New(store, WithClock(clk.Now))
	ctx := t.Context()

	big := strings.Repeat("x", 300)
	if err := g.Put(ctx, "old", big, 0); err != nil {
		t.Fatalf("put old: %v", err)
	}
	clk.Advance(25 * time.Hour)
	if err := g.Put(ctx, "new", big, 0); err != nil {
		t.Fatalf("put new: %v", err)
	}
	if _, err := g.Load(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale entry should have been purged, err=%v", err)
	}
	if _, err := g.Load(ctx, "new"); err != nil {
		t.Fatalf("new entry missing: %v", err)
	}
}

type flakyStore struct {
	kv.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Get(ctx context.Context, key string) (*kv.Item, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("disk read error")
	}
	f.mu.Unlock()
	return f.Store.Get(ctx, key)
}

func TestStorageErrorRetriesOnce(t *testing.T) {
	clk := newClock()
	base := memorykv.MustNew(memorykv.Config{Now: clk.Now, CleanupInterval: -1})
	defer base.Close()
	fs := &flakyStore{Store: base}
	g := New(fs, WithClock(clk.Now))
	ctx := t.Context()

	if err := g.Put(ctx, "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	fs.failures = 1
	rep := g.ValidateEntry(ctx, "k")
	if rep.Type != TypeStorageError || !rep.Recovered || rep.RecoveryMethod != MethodPurgedAndRetried {
		t.Fatalf("expected recovered storage error, got %+v", rep)
	}

	fs.failures = 100
	rep = g.ValidateEntry(ctx, "k")
	fs.failures = 0
	if rep.Type != TypeStorageError || rep.Recovered || rep.RecoveryMethod != MethodDeleted {
		t.Fatalf("expected deleted entry, got %+v", rep)
	}
	if it, _ := base.Get(ctx, StoreKey("k")); it != nil {
		t.Fatal("entry should have been deleted")
	}
}

func TestScanAndHealth(t *testing.T) {
	g, store, _ := newGuard(t)
	ctx := t.Context()
	for _, k := range []string{"a", "b", "c", "d"} {
		if err := g.Put(ctx, k, k, 0); err != nil {
			t.Fatal(err)
		}
	}
	_ = store.Set(ctx, StoreKey("c"), []byte(`{broken`))

	h, err := g.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Entries != 4 || h.Corrupted != 1 || h.Percent != 75 {
		t.Fatalf("unexpected health: %+v", h)
	}

	res, err := g.Scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 4 || res.Valid != 3 || res.Corrupted != 1 || res.Removed != 1 {
		t.Fatalf("unexpected scan: %+v", res)
	}
	h, _ = g.Health(ctx)
	if h.Percent != 100 || h.Entries != 3 {
		t.Fatalf("health after scan: %+v", h)
	}
	if len(g.Reports()) != 1 {
		t.Fatalf("expected one report, got %d", len(g.Reports()))
	}
}

func TestHealthEmptyNamespace(t *testing.T) {
	g, _, _ := newGuard(t)
	h, err := g.Health(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if h.Percent != 100 {
		t.Fatalf("empty cache should be 100%% healthy, got %v", h.Percent)
	}
}

func TestReportHistoryBounded(t *testing.T) {
	clk := newClock()
	store := memorykv.MustNew(memorykv.Config{Now: clk.Now, CleanupInterval: -1})
	defer store.Close()
	g := New(store, WithClock(clk.Now), WithHistory(3))
	ctx := t.Context()
	for i := 0; i < 5; i++ {
		_ = store.Set(ctx, StoreKey("bad"), []byte(`nope`))
		g.ValidateEntry(ctx, "bad")
	}
	if n := len(g.Reports()); n != 3 {
		t.Fatalf("history length = %d, want 3", n)
	}
}
