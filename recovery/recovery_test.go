package recovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/authapi"
	"github.com/m1ndvortex/tabsync/cacheguard"
	"github.com/m1ndvortex/tabsync/conflict"
	"github.com/m1ndvortex/tabsync/fallback"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/kv/memorykv"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeConn struct{ online bool }

func (c fakeConn) Online() bool { return c.online }

type fakeFallback struct {
	mu     sync.Mutex
	result fallback.Result
	stats  fallback.Stats
	seen   []fallback.AuthContext
}

func (f *fakeFallback) Execute(ctx context.Context, err error, ac fallback.AuthContext) fallback.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, ac)
	return f.result
}

func (f *fakeFallback) Stats() fallback.Stats { return f.stats }

type fakeConflicts struct {
	open     int
	incoming []session.Snapshot
	checks   int
}

func (f *fakeConflicts) HandleIncoming(ctx context.Context, s session.Snapshot) (conflict.Outcome, error) {
	f.incoming = append(f.incoming, s)
	return conflict.Outcome{Adopted: true, Snapshot: s}, nil
}

func (f *fakeConflicts) CheckConsistency(ctx context.Context) (conflict.Outcome, error) {
	f.checks++
	return conflict.Outcome{}, nil
}

func (f *fakeConflicts) OpenConflicts() []conflict.Conflict {
	return make([]conflict.Conflict, f.open)
}

type fakeCache struct {
	percent float64
	err     error
}

func (f fakeCache) ValidateEntry(ctx context.Context, key string) cacheguard.Report {
	return cacheguard.Report{Key: key}
}

func (f fakeCache) Scan(ctx context.Context) (cacheguard.ScanResult, error) {
	return cacheguard.ScanResult{}, nil
}

func (f fakeCache) Health(ctx context.Context) (cacheguard.Health, error) {
	return cacheguard.Health{Percent: f.percent}, f.err
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func noJitter() netretry.Policy {
	p := netretry.DefaultPolicy()
	p.Jitter = 0
	return p
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		online bool
		want   Type
	}{
		{"nil", nil, true, TypeNetwork},
		{"offline sentinel", netretry.ErrOffline, true, TypeNetwork},
		{"offline signal wins", &netretry.StatusError{StatusCode: http.StatusUnauthorized}, false, TypeNetwork},
		{"network error", &netretry.NetworkError{Type: netretry.TypeTimeout, Message: "token refresh timed out"}, true, TypeNetwork},
		{"401", &netretry.StatusError{StatusCode: http.StatusUnauthorized}, true, TypeAuth},
		{"403", fmt.Errorf("call: %w", &netretry.StatusError{StatusCode: http.StatusForbidden}), true, TypeAuth},
		{"connection wording", errors.New("connection reset by peer"), true, TypeNetwork},
		{"token wording", errors.New("token expired"), true, TypeAuth},
		{"author wording", errors.New("author not found"), true, TypeNetwork},
		{"authorship wording", errors.New("authorship lookup failed"), true, TypeNetwork},
		{"auth before network wording", errors.New("auth token request timed out"), true, TypeAuth},
		{"auth word in path", errors.New("POST /auth/refresh: bad gateway"), true, TypeAuth},
		{"session sentinel", ErrSessionInconsistent, true, TypeSession},
		{"session wording", errors.New("session mismatch between contexts"), true, TypeSession},
		{"quota", kv.ErrQuotaExceeded, true, TypeCache},
		{"not found", cacheguard.ErrNotFound, true, TypeCache},
		{"corrupt wording", errors.New("entry is corrupt"), true, TypeCache},
		{"500 with no wording", &netretry.StatusError{StatusCode: 500}, true, TypeNetwork},
		{"unknown", errors.New("boom"), true, TypeNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for range 3 {
				if got := Classify(tc.err, tc.online); got != tc.want {
					t.Fatalf("Classify(%v, %v) = %s, want %s", tc.err, tc.online, got, tc.want)
				}
			}
		})
	}
}

func TestNetworkRecoveryRetriesUntilSuccess(t *testing.T) {
	rec := &sleepRecorder{}
	o := New(Deps{Connectivity: fakeConn{online: true}}, WithSleep(rec.sleep), WithBackoff(noJitter()))

	calls := 0
	op := o.RecoverFromError(t.Context(), errors.New("connection refused"), WithRetry(func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}))
	if op.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", op.Status, op.Error)
	}
	if op.Type != TypeNetwork || op.RetryCount != 2 || calls != 3 {
		t.Fatalf("op = %+v, calls = %d", op, calls)
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Second || rec.delays[1] != 2*time.Second {
		t.Fatalf("delays = %v", rec.delays)
	}
	if op.Error != "" {
		t.Fatalf("completed op kept error %q", op.Error)
	}
}

func TestRecoveryFailsAfterMaxRetries(t *testing.T) {
	rec := &sleepRecorder{}
	o := New(Deps{}, WithSleep(rec.sleep), WithBackoff(noJitter()), WithMaxRetries(2))

	calls := 0
	op := o.RecoverFromError(t.Context(), errors.New("network down"), WithRetry(func(ctx context.Context) error {
		calls++
		return &netretry.StatusError{StatusCode: http.StatusBadGateway}
	}))
	if op.Status != StatusFailed || op.RetryCount != 2 || calls != 3 {
		t.Fatalf("op = %+v, calls = %d", op, calls)
	}
	if op.Error != "http 502 Bad Gateway" {
		t.Fatalf("error = %q", op.Error)
	}
	if !op.Terminal() || op.CompletedAt.IsZero() {
		t.Fatalf("op not terminal: %+v", op)
	}
	st := o.Stats()
	if st.Total != 1 || st.Failed != 1 || st.SuccessRate != 0 || st.ByType[TypeNetwork] != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCancelledContextFailsOperation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	o := New(Deps{}, WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))
	op := o.RecoverFromError(ctx, errors.New("timeout"), WithRetry(func(ctx context.Context) error { return ctx.Err() }))
	if op.Status != StatusFailed || op.RetryCount != 0 {
		t.Fatalf("op = %+v", op)
	}
}

func TestAuthRecoveryRunsFallbackThenReplays(t *testing.T) {
	fb := &fakeFallback{result: fallback.Result{Success: true, Strategy: fallback.TokenRefresh, Action: fallback.ActionRetry}}
	o := New(Deps{Fallback: fb, Connectivity: fakeConn{online: true}}, WithSleep((&sleepRecorder{}).sleep))

	replayed := false
	op := o.RecoverFromError(t.Context(), &netretry.StatusError{StatusCode: http.StatusUnauthorized},
		WithAuthContext(fallback.AuthContext{Operation: fallback.OpValidate, HasRefreshToken: true}),
		WithRetry(func(ctx context.Context) error { replayed = true; return nil }))
	if op.Status != StatusCompleted || op.Type != TypeAuth {
		t.Fatalf("op = %+v", op)
	}
	if !replayed {
		t.Fatal("request not replayed after refresh")
	}
	if op.Fallback == nil || op.Fallback.Strategy != fallback.TokenRefresh {
		t.Fatalf("fallback = %+v", op.Fallback)
	}
	if len(fb.seen) != 1 || !fb.seen[0].Online || fb.seen[0].Operation != fallback.OpValidate {
		t.Fatalf("auth contexts = %+v", fb.seen)
	}
}

func TestAuthRedirectIsTerminal(t *testing.T) {
	fb := &fakeFallback{result: fallback.Result{Strategy: fallback.ManualIntervention, Action: fallback.ActionRedirect, Message: "sign in again"}}
	rec := &sleepRecorder{}
	o := New(Deps{Fallback: fb}, WithSleep(rec.sleep))

	op := o.RecoverFromError(t.Context(), &netretry.StatusError{StatusCode: http.StatusForbidden})
	if op.Status != StatusFailed {
		t.Fatalf("status = %s", op.Status)
	}
	if len(fb.seen) != 1 || len(rec.delays) != 0 {
		t.Fatalf("fallback ran %d times with %d sleeps", len(fb.seen), len(rec.delays))
	}
}

func TestSessionRecovery(t *testing.T) {
	cf := &fakeConflicts{}
	o := New(Deps{Conflicts: cf})

	op := o.RecoverFromError(t.Context(), ErrSessionInconsistent)
	if op.Status != StatusCompleted || cf.checks != 1 || op.Detail != "consistent" {
		t.Fatalf("op = %+v, checks = %d", op, cf.checks)
	}

	snap := session.Snapshot{SessionID: "s1", UserID: "u1"}
	op = o.RecoverFromError(t.Context(), errors.New("stale session"), WithIncoming(snap))
	if op.Status != StatusCompleted || len(cf.incoming) != 1 || op.Detail != "adopted newer snapshot" {
		t.Fatalf("op = %+v", op)
	}
}

func TestCacheRecoveryRepairsEntry(t *testing.T) {
	store := memorykv.MustNew(memorykv.Config{CleanupInterval: -1})
	t.Cleanup(func() { _ = store.Close() })
	guard := cacheguard.New(store)
	ctx := t.Context()

	if err := guard.Put(ctx, "profile", map[string]string{"name": "ada"}, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, cacheguard.StoreKey("profile"), []byte(`{"key":"profile","value":{},"timestamp":1,`)); err != nil {
		t.Fatal(err)
	}

	o := New(Deps{Cache: guard})
	op := o.RecoverFromError(ctx, cacheguard.ErrNotFound, WithCacheKey("profile"))
	if op.Status != StatusCompleted || op.Type != TypeCache {
		t.Fatalf("op = %+v", op)
	}
	if op.Cache == nil || !op.Cache.Corrupted || op.Cache.RecoveryMethod == "" {
		t.Fatalf("cache report = %+v", op.Cache)
	}
}

func TestMissingSpecialistFails(t *testing.T) {
	o := New(Deps{}, WithMaxRetries(0))
	for _, err := range []error{kv.ErrQuotaExceeded, ErrSessionInconsistent, errors.New("unauthorized")} {
		if op := o.RecoverFromError(t.Context(), err); op.Status != StatusFailed {
			t.Fatalf("%v: status = %s", err, op.Status)
		}
	}
}

func TestGrade(t *testing.T) {
	cases := []struct {
		name string
		r    HealthReport
		want HealthLevel
	}{
		{"all good", HealthReport{Network: NetworkHealth{Online: true}, CacheHealth: 100, FallbackSuccessRate: 1}, HealthHealthy},
		{"offline", HealthReport{CacheHealth: 100}, HealthDegraded},
		{"cache 79", HealthReport{Network: NetworkHealth{Online: true}, CacheHealth: 79}, HealthDegraded},
		{"cache 40", HealthReport{Network: NetworkHealth{Online: true}, CacheHealth: 40, FallbackSuccessRate: 0.9, FallbackExecutions: 10}, HealthCritical},
		{"fallback ignored without executions", HealthReport{Network: NetworkHealth{Online: true}, CacheHealth: 100}, HealthHealthy},
		{"fallback 0.6", HealthReport{Network: NetworkHealth{Online: true}, CacheHealth: 100, FallbackSuccessRate: 0.6, FallbackExecutions: 5}, HealthDegraded},
		{"fallback 0.4", HealthReport{Network: NetworkHealth{Online: true}, CacheHealth: 100, FallbackSuccessRate: 0.4, FallbackExecutions: 5}, HealthCritical},
		{"one conflict", HealthReport{Network: NetworkHealth{Online: true}, CacheHealth: 100, OpenConflicts: 1}, HealthDegraded},
		{"six conflicts", HealthReport{Network: NetworkHealth{Online: true}, CacheHealth: 100, OpenConflicts: 6}, HealthCritical},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := tc.r
			Grade(&r)
			if r.Overall != tc.want {
				t.Fatalf("overall = %s, want %s (issues %v)", r.Overall, tc.want, r.Issues)
			}
			if (tc.want == HealthHealthy) != (len(r.Issues) == 0) {
				t.Fatalf("issues = %v for %s", r.Issues, r.Overall)
			}
		})
	}
}

func TestHealthCheckCriticalCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	fb := &fakeFallback{stats: fallback.Stats{Total: 10, Succeeded: 9, SuccessRate: 0.9}}
	o := New(Deps{
		Connectivity: fakeConn{online: true},
		Fallback:     fb,
		Conflicts:    &fakeConflicts{},
		Cache:        fakeCache{percent: 40},
	}, WithRegisterer(reg))

	r := o.PerformHealthCheck(t.Context())
	if r.Overall != HealthCritical {
		t.Fatalf("overall = %s, issues %v", r.Overall, r.Issues)
	}
	if len(r.Issues) != 1 || r.Issues[0] != "cache health 40%" {
		t.Fatalf("issues = %v", r.Issues)
	}
	if got := testutil.ToFloat64(o.metrics.health); got != 2 {
		t.Fatalf("health gauge = %v", got)
	}
}

func TestHealthCheckUnreadableCache(t *testing.T) {
	o := New(Deps{Connectivity: fakeConn{online: true}, Cache: fakeCache{err: errors.New("disk gone")}})
	r := o.PerformHealthCheck(t.Context())
	if r.Overall != HealthCritical || r.CacheHealth != 0 {
		t.Fatalf("report = %+v", r)
	}
}

func TestMetricsCountOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := New(Deps{}, WithRegisterer(reg), WithMaxRetries(1), WithSleep((&sleepRecorder{}).sleep))
	o.RecoverFromError(t.Context(), errors.New("offline"), WithRetry(func(ctx context.Context) error { return errors.New("still offline") }))
	o.RecoverFromError(t.Context(), errors.New("offline"), WithRetry(func(ctx context.Context) error { return nil }))

	if got := testutil.ToFloat64(o.metrics.operations.WithLabelValues("network", "failed")); got != 1 {
		t.Fatalf("failed = %v", got)
	}
	if got := testutil.ToFloat64(o.metrics.operations.WithLabelValues("network", "completed")); got != 1 {
		t.Fatalf("completed = %v", got)
	}
	if got := testutil.ToFloat64(o.metrics.retries.WithLabelValues("network")); got != 1 {
		t.Fatalf("retries = %v", got)
	}
	if n := len(o.Operations()); n != 2 {
		t.Fatalf("history = %d", n)
	}
}

type countingAuth struct {
	mu        sync.Mutex
	refreshes int
	validates int
}

func (a *countingAuth) Refresh(ctx context.Context, refreshToken string) (authapi.SessionResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	return authapi.SessionResponse{SessionID: "s1", UserID: "u1", Token: "fresh", RefreshToken: "r2", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (a *countingAuth) ValidateSession(ctx context.Context, sessionID, token string) (authapi.SessionResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validates++
	return authapi.SessionResponse{SessionID: sessionID, UserID: "u1", Token: token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newAuthStore(t *testing.T) *memorykv.Store {
	t.Helper()
	store := memorykv.MustNew(memorykv.Config{CleanupInterval: -1})
	t.Cleanup(func() { _ = store.Close() })
	snap := session.Snapshot{SessionID: "s1", UserID: "u1", Token: "old", ExpiresAt: time.Now().Add(time.Hour), IsActive: true}
	if err := session.Save(t.Context(), store, session.SnapshotKey, snap); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestAuthRecoveryRefreshesStoredToken(t *testing.T) {
	store := newAuthStore(t)
	if err := store.Set(t.Context(), session.RefreshTokenKey, []byte("r1")); err != nil {
		t.Fatal(err)
	}
	auth := &countingAuth{}
	chain := fallback.NewChain(fallback.DefaultStrategies(fallback.Deps{Store: store, Auth: auth, Policy: noJitter()}))
	o := New(Deps{Store: store, Fallback: chain, Connectivity: fakeConn{online: true}}, WithSleep((&sleepRecorder{}).sleep))

	replays := 0
	op := o.RecoverFromError(t.Context(), &netretry.StatusError{StatusCode: http.StatusUnauthorized},
		WithRetry(func(ctx context.Context) error { replays++; return nil }))
	if op.Status != StatusCompleted || op.RetryCount != 0 {
		t.Fatalf("op = %+v", op)
	}
	if op.Fallback == nil || op.Fallback.Strategy != fallback.TokenRefresh {
		t.Fatalf("fallback = %+v", op.Fallback)
	}
	if auth.refreshes != 1 || replays != 1 {
		t.Fatalf("refreshes = %d, replays = %d", auth.refreshes, replays)
	}
	snap, _, err := session.Load(t.Context(), store, session.SnapshotKey)
	if err != nil || snap.Token != "fresh" {
		t.Fatalf("stored session = %+v, %v", snap, err)
	}
}

func TestAuthRecoveryRestoresBackupSession(t *testing.T) {
	store := newAuthStore(t)
	backup := session.Snapshot{SessionID: "s0", UserID: "u1", Token: "backup", IsActive: true}
	if err := session.Save(t.Context(), store, session.BackupSnapshotKey, backup); err != nil {
		t.Fatal(err)
	}
	auth := &countingAuth{}
	chain := fallback.NewChain(fallback.DefaultStrategies(fallback.Deps{Store: store, Auth: auth, Policy: noJitter()}))
	o := New(Deps{Store: store, Fallback: chain, Connectivity: fakeConn{online: true}})

	op := o.RecoverFromError(t.Context(), errors.New("validate failed"),
		WithAuthContext(fallback.AuthContext{Operation: fallback.OpValidate, StatusCode: http.StatusUnauthorized}))
	if op.Status != StatusCompleted || op.Type != TypeAuth {
		t.Fatalf("op = %+v", op)
	}
	if op.Fallback == nil || op.Fallback.Strategy != fallback.SessionRecovery || auth.validates != 1 {
		t.Fatalf("fallback = %+v, validates = %d", op.Fallback, auth.validates)
	}
}

func TestAuthRecoveryDegradesAfterRepeatedServerErrors(t *testing.T) {
	store := newAuthStore(t)
	chain := fallback.NewChain(fallback.DefaultStrategies(fallback.Deps{Store: store, Policy: noJitter()}))
	o := New(Deps{Store: store, Fallback: chain, Connectivity: fakeConn{online: true}},
		WithSleep((&sleepRecorder{}).sleep), WithBackoff(noJitter()))

	unavailable := &netretry.StatusError{StatusCode: http.StatusServiceUnavailable}
	op := o.RecoverFromError(t.Context(), unavailable,
		WithAuthContext(fallback.AuthContext{Operation: fallback.OpRefresh}),
		WithRetry(func(ctx context.Context) error { return unavailable }))
	if op.Status != StatusCompleted {
		t.Fatalf("op = %+v", op)
	}
	if op.Fallback == nil || op.Fallback.Strategy != fallback.GracefulDegradation {
		t.Fatalf("fallback = %+v", op.Fallback)
	}
	degraded, ok, err := session.Load(t.Context(), store, session.DegradedSessionKey)
	if err != nil || !ok || degraded.Metadata["degraded"] != "true" {
		t.Fatalf("degraded session = %+v, %v, %v", degraded, ok, err)
	}
}

func TestNetworkRecoveryAttemptBudget(t *testing.T) {
	t.Run("retrier owns retries", func(t *testing.T) {
		rec := &sleepRecorder{}
		r := netretry.NewRetrier(noJitter(), netretry.WithSleep(rec.sleep))
		o := New(Deps{Retrier: r}, WithSleep(rec.sleep), WithBackoff(noJitter()))

		calls := 0
		op := o.RecoverFromError(t.Context(), errors.New("connection reset"), WithRetry(func(ctx context.Context) error {
			calls++
			return &netretry.StatusError{StatusCode: http.StatusServiceUnavailable}
		}))
		if op.Status != StatusFailed || op.RetryCount != 0 {
			t.Fatalf("op = %+v", op)
		}
		if calls != 3 {
			t.Fatalf("calls = %d, want 3", calls)
		}
	})
	t.Run("non-retryable status", func(t *testing.T) {
		o := New(Deps{}, WithSleep((&sleepRecorder{}).sleep))
		calls := 0
		op := o.RecoverFromError(t.Context(), errors.New("connection reset"), WithRetry(func(ctx context.Context) error {
			calls++
			return &netretry.StatusError{StatusCode: http.StatusNotFound}
		}))
		if op.Status != StatusFailed || op.RetryCount != 0 || calls != 1 {
			t.Fatalf("op = %+v, calls = %d", op, calls)
		}
	})
	t.Run("offline", func(t *testing.T) {
		o := New(Deps{Connectivity: fakeConn{online: true}}, WithSleep((&sleepRecorder{}).sleep))
		calls := 0
		op := o.RecoverFromError(t.Context(), errors.New("connection reset"), WithRetry(func(ctx context.Context) error {
			calls++
			return netretry.ErrOffline
		}))
		if op.Status != StatusFailed || calls != 1 {
			t.Fatalf("op = %+v, calls = %d", op, calls)
		}
	})
}
