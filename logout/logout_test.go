package logout

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/authapi"
	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/bus/memorybus"
	"github.com/m1ndvortex/tabsync/cacheguard"
	"github.com/m1ndvortex/tabsync/kv/memorykv"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/session"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func retrier() *netretry.Retrier {
	return netretry.NewRetrier(netretry.DefaultPolicy(), netretry.WithSleep(noSleep))
}

type authServer struct {
	logoutStatus atomic.Int32
	logoutCalls  atomic.Int32
	verifyStatus atomic.Int32
}

func newAuthServer(t *testing.T) (*authServer, *authapi.Client) {
	t.Helper()
	s := &authServer{}
	s.logoutStatus.Store(http.StatusNoContent)
	s.verifyStatus.Store(http.StatusUnauthorized)
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+authapi.PathLogout, func(w http.ResponseWriter, r *http.Request) {
		s.logoutCalls.Add(1)
		w.WriteHeader(int(s.logoutStatus.Load()))
	})
	mux.HandleFunc("GET "+authapi.PathVerifySession, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(s.verifyStatus.Load()))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, authapi.New(srv.URL)
}

type fixture struct {
	store *memorykv.Store
	hub   *memorybus.Hub
	guard *cacheguard.Guard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memorykv.MustNew(memorykv.Config{CleanupInterval: -1})
	t.Cleanup(func() { _ = store.Close() })
	hub := memorybus.New()
	t.Cleanup(func() { _ = hub.Close() })
	return &fixture{store: store, hub: hub, guard: cacheguard.New(store)}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := t.Context()
	snap := session.Snapshot{SessionID: "s1", UserID: "u1", Token: "tok", ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	if err := session.Save(ctx, f.store, session.SnapshotKey, snap); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Set(ctx, session.RefreshTokenKey, []byte("ref")); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"profile", "settings"} {
		if err := f.guard.Put(ctx, k, map[string]string{"k": k}, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.Set(ctx, session.SyncKeyPrefix+"tmp_1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) assertLocalGone(t *testing.T) {
	t.Helper()
	ctx := t.Context()
	for _, k := range localKeys {
		if it, _ := f.store.Get(ctx, k); it != nil {
			t.Fatalf("%s still present", k)
		}
	}
	for _, p := range localPrefixes {
		if keys, _ := f.store.Keys(ctx, p); len(keys) > 0 {
			t.Fatalf("keys remain under %s: %v", p, keys)
		}
	}
}

func stepNamed(res Result, name string) (Step, bool) {
	for _, st := range res.Steps {
		if st.Name == name {
			return st, true
		}
	}
	return Step{}, false
}

func TestLogoutHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	srv, client := newAuthServer(t)

	var cleared atomic.Bool
	c := New(f.store, bus.NewEndpoint(f.hub, "ctx-a"), client, WithRetrier(retrier()),
		OnLocalClear(func(ctx context.Context) { cleared.Store(true) }))

	res := c.Logout(t.Context(), WithServerVerification())
	if !res.Success || !res.LocalCleared || !res.ServerInvalidated || !res.ServerVerified {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings = %v", res.Warnings)
	}
	want := []string{StepBroadcast, StepClearLocal, StepInvalidateServer, StepVerifyLocal, StepVerifyServer}
	if len(res.Steps) != len(want) {
		t.Fatalf("steps = %+v", res.Steps)
	}
	for i, name := range want {
		if res.Steps[i].Name != name {
			t.Fatalf("step %d = %s, want %s", i, res.Steps[i].Name, name)
		}
	}
	if srv.logoutCalls.Load() != 1 || !cleared.Load() {
		t.Fatalf("logout calls = %d, cleared = %v", srv.logoutCalls.Load(), cleared.Load())
	}
	f.assertLocalGone(t)

	// The sync queue survives unless asked otherwise.
	if keys, _ := f.store.Keys(t.Context(), session.SyncKeyPrefix); len(keys) != 1 {
		t.Fatalf("sync keys = %v", keys)
	}
}

func TestLogoutServerDown(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	srv, client := newAuthServer(t)
	srv.logoutStatus.Store(http.StatusInternalServerError)

	c := New(f.store, bus.NewEndpoint(f.hub, "ctx-a"), client, WithRetrier(retrier()))
	res := c.Logout(t.Context())

	if !res.Success || !res.LocalCleared {
		t.Fatalf("local logout must succeed: %+v", res)
	}
	if res.ServerInvalidated {
		t.Fatal("server reported invalidated")
	}
	if len(res.Warnings) == 0 {
		t.Fatal("missing warning about server failure")
	}
	if got := srv.logoutCalls.Load(); got != 3 {
		t.Fatalf("server calls = %d, want 3", got)
	}
	f.assertLocalGone(t)
}

func TestLogoutAlreadyInvalidSession(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	srv, client := newAuthServer(t)
	srv.logoutStatus.Store(http.StatusUnauthorized)

	res := New(f.store, nil, client, WithRetrier(retrier())).Logout(t.Context())
	if !res.ServerInvalidated || len(res.Warnings) != 0 || srv.logoutCalls.Load() != 1 {
		t.Fatalf("result = %+v, calls = %d", res, srv.logoutCalls.Load())
	}
	if st, _ := stepNamed(res, StepBroadcast); !st.Skipped {
		t.Fatalf("broadcast without endpoint: %+v", st)
	}
}

func TestLogoutServerStillValid(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	srv, client := newAuthServer(t)
	srv.verifyStatus.Store(http.StatusOK)

	res := New(f.store, nil, client, WithRetrier(retrier())).Logout(t.Context(), WithServerVerification())
	if !res.Success || res.ServerVerified || len(res.Warnings) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestLogoutClearsSyncQueueOnRequest(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	res := New(f.store, nil, nil).Logout(t.Context(), WithClearSyncQueue())
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if keys, _ := f.store.Keys(t.Context(), session.SyncKeyPrefix); len(keys) != 0 {
		t.Fatalf("sync keys = %v", keys)
	}
	if st, _ := stepNamed(res, StepInvalidateServer); !st.Skipped {
		t.Fatalf("server step without server: %+v", st)
	}
}

type failingDeletes struct {
	*memorykv.Store
}

func (s failingDeletes) Delete(ctx context.Context, key string) error {
	if key == session.SnapshotKey {
		return errors.New("disk full")
	}
	return s.Store.Delete(ctx, key)
}

func TestLogoutReportsLocalFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	res := New(failingDeletes{f.store}, nil, nil).Logout(t.Context())
	if res.Success || res.LocalCleared {
		t.Fatalf("result = %+v", res)
	}
	st, _ := stepNamed(res, StepVerifyLocal)
	if st.OK || st.Detail == "" {
		t.Fatalf("verify step = %+v", st)
	}
}

func TestForeignLogoutClearsLocally(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	srv, client := newAuthServer(t)
	ctx := t.Context()

	epB := bus.NewEndpoint(f.hub, "ctx-b")
	b := New(f.store, epB, client, WithRetrier(retrier()))
	done := make(chan struct{}, 1)
	stop, err := epB.Listen(ctx, func(ctx context.Context, msg bus.Message) {
		if b.HandleMessage(ctx, msg) {
			done <- struct{}{}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	epA := bus.NewEndpoint(f.hub, "ctx-a")
	if err := epA.Send(ctx, bus.Logout{UserID: "u1", Reason: "user"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logout not received")
	}
	f.assertLocalGone(t)
	if srv.logoutCalls.Load() != 0 {
		t.Fatal("foreign logout called the server")
	}
}
