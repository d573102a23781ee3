package fallback

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/authapi"
	"github.com/m1ndvortex/tabsync/kv/memorykv"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/session"
)

var t0 = time.Unix(1_700_000_000, 0)

type fakeAuth struct {
	refreshCalls  atomic.Int32
	validateCalls atomic.Int32
	fail          bool
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (authapi.SessionResponse, error) {
	f.refreshCalls.Add(1)
	if f.fail {
		return authapi.SessionResponse{}, &netretry.StatusError{StatusCode: http.StatusUnauthorized}
	}
	return authapi.SessionResponse{SessionID: "s1", UserID: "u1", Token: "refreshed", RefreshToken: "ref2", ExpiresAt: t0.Add(time.Hour)}, nil
}

func (f *fakeAuth) ValidateSession(ctx context.Context, sessionID, token string) (authapi.SessionResponse, error) {
	f.validateCalls.Add(1)
	return authapi.SessionResponse{SessionID: sessionID, UserID: "u1", Token: "recovered", ExpiresAt: t0.Add(time.Hour)}, nil
}

func newChain(t *testing.T) (*Chain, *memorykv.Store, *fakeAuth) {
	t.Helper()
	store := memorykv.MustNew(memorykv.Config{CleanupInterval: -1})
	t.Cleanup(func() { _ = store.Close() })
	auth := &fakeAuth{}
	now := func() time.Time { return t0 }
	chain := NewChain(DefaultStrategies(Deps{Store: store, Auth: auth, ContextID: "ctx-a", Now: now}), WithClock(now))
	return chain, store, auth
}

func TestDefaultOrder(t *testing.T) {
	chain, _, _ := newChain(t)
	want := []string{NetworkRetry, OfflineMode, TokenRefresh, SessionRecovery, GracefulDegradation, ManualIntervention}
	got := chain.Strategies()
	if len(got) != len(want) {
		t.Fatalf("strategies = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("strategies = %v, want %v", got, want)
		}
	}
}

func TestStrategySelection(t *testing.T) {
	valid := session.Snapshot{SessionID: "s1", UserID: "u1", Token: "tok", ExpiresAt: t0.Add(time.Hour), IsActive: true}
	tests := []struct {
		name       string
		setup      func(t *testing.T, store *memorykv.Store)
		err        error
		ac         AuthContext
		wantName   string
		wantAction Action
		wantOK     bool
	}{
		{
			name:       "retryable 503",
			err:        &netretry.StatusError{StatusCode: 503},
			ac:         AuthContext{Operation: OpRequest, Attempt: 0, StatusCode: 503, Online: true},
			wantName:   NetworkRetry,
			wantAction: ActionRetry,
			wantOK:     true,
		},
		{
			name: "offline with cached session",
			setup: func(t *testing.T, store *memorykv.Store) {
				if err := session.Save(t.Context(), store, session.SnapshotKey, valid); err != nil {
					t.Fatal(err)
				}
			},
			err:        errors.New("network unreachable"),
			ac:         AuthContext{Operation: OpValidate, Online: false},
			wantName:   OfflineMode,
			wantAction: ActionOffline,
			wantOK:     true,
		},
		{
			name:       "offline login has no cached answer",
			err:        errors.New("network unreachable"),
			ac:         AuthContext{Operation: OpLogin, Online: false},
			wantName:   "",
			wantAction: ActionManual,
		},
		{
			name: "401 with refresh token",
			setup: func(t *testing.T, store *memorykv.Store) {
				_ = store.Set(t.Context(), session.RefreshTokenKey, []byte("ref"))
			},
			err:        &netretry.StatusError{StatusCode: 401},
			ac:         AuthContext{Operation: OpRequest, StatusCode: 401, Online: true, HasRefreshToken: true},
			wantName:   TokenRefresh,
			wantAction: ActionRetry,
			wantOK:     true,
		},
		{
			name: "401 during validate with backup",
			setup: func(t *testing.T, store *memorykv.Store) {
				_ = session.Save(t.Context(), store, session.BackupSnapshotKey, valid)
			},
			err:        &netretry.StatusError{StatusCode: 401},
			ac:         AuthContext{Operation: OpValidate, StatusCode: 401, Online: true, HasBackupSession: true},
			wantName:   SessionRecovery,
			wantAction: ActionRetry,
			wantOK:     true,
		},
		{
			name: "repeated server errors",
			setup: func(t *testing.T, store *memorykv.Store) {
				_ = session.Save(t.Context(), store, session.SnapshotKey, valid)
			},
			err:        &netretry.StatusError{StatusCode: 502},
			ac:         AuthContext{Operation: OpRequest, Attempt: 3, StatusCode: 502, Online: true, ConsecutiveServerErrors: 3},
			wantName:   GracefulDegradation,
			wantAction: ActionCache,
			wantOK:     true,
		},
		{
			name:       "403 on login",
			err:        &netretry.StatusError{StatusCode: 403},
			ac:         AuthContext{Operation: OpLogin, StatusCode: 403, Online: true},
			wantName:   ManualIntervention,
			wantAction: ActionRedirect,
		},
		{
			name:       "too many attempts",
			err:        errors.New("boom"),
			ac:         AuthContext{Operation: OpRequest, Attempt: 5, Online: true},
			wantName:   ManualIntervention,
			wantAction: ActionRedirect,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, store, _ := newChain(t)
			if tt.setup != nil {
				tt.setup(t, store)
			}
			res := chain.Execute(t.Context(), tt.err, tt.ac)
			if res.Strategy != tt.wantName || res.Action != tt.wantAction || res.Success != tt.wantOK {
				t.Fatalf("got %+v, want strategy=%q action=%s success=%v", res, tt.wantName, tt.wantAction, tt.wantOK)
			}
		})
	}
}

func TestTokenRefreshPersistsSession(t *testing.T) {
	chain, store, auth := newChain(t)
	ctx := t.Context()
	_ = store.Set(ctx, session.RefreshTokenKey, []byte("ref"))

	res := chain.Execute(ctx, &netretry.StatusError{StatusCode: 401}, AuthContext{StatusCode: 401, Online: true, HasRefreshToken: true})
	if !res.Success || res.Snapshot.Token != "refreshed" {
		t.Fatalf("unexpected result: %+v", res)
	}
	stored, ok, _ := session.Load(ctx, store, session.SnapshotKey)
	if !ok || stored.Token != "refreshed" || stored.OriginContext != "ctx-a" {
		t.Fatalf("session not persisted: %+v", stored)
	}
	if v, _, _ := kvValue(t, store, session.RefreshTokenKey); v != "ref2" {
		t.Fatalf("refresh token not rotated: %q", v)
	}
	if auth.refreshCalls.Load() != 1 {
		t.Fatalf("refresh calls = %d", auth.refreshCalls.Load())
	}
}

func kvValue(t *testing.T, store *memorykv.Store, key string) (string, bool, error) {
	t.Helper()
	it, err := store.Get(t.Context(), key)
	if err != nil || it == nil {
		return "", false, err
	}
	return string(it.Value), true, nil
}

func TestFailedExecutionIsRecorded(t *testing.T) {
	chain, store, auth := newChain(t)
	auth.fail = true
	_ = store.Set(t.Context(), session.RefreshTokenKey, []byte("ref"))

	res := chain.Execute(t.Context(), &netretry.StatusError{StatusCode: 401}, AuthContext{StatusCode: 401, Online: true, HasRefreshToken: true})
	if res.Success || res.Action != ActionRedirect || res.Message == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	st := chain.Stats()
	if st.Total != 1 || st.Succeeded != 0 || st.SuccessRate != 0 || st.ByStrategy[TokenRefresh].Executions != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if h := chain.History(); len(h) != 1 || h[0].Success {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestExecutionIsSerialized(t *testing.T) {
	var running, maxRunning atomic.Int32
	slow := Strategy{
		Name:      "slow",
		Priority:  1,
		Condition: func(context.Context, error, AuthContext) bool { return true },
		Execute: func(context.Context, error, AuthContext) (Result, error) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return Result{Success: true, Action: ActionRetry}, nil
		},
	}
	chain := NewChain([]Strategy{slow})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chain.Execute(t.Context(), errors.New("x"), AuthContext{})
		}()
	}
	wg.Wait()
	if maxRunning.Load() != 1 {
		t.Fatalf("strategies ran concurrently: max=%d", maxRunning.Load())
	}
	if st := chain.Stats(); st.Total != 4 || st.SuccessRate != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestOnlyFirstMatchRuns(t *testing.T) {
	var second atomic.Bool
	chain := NewChain([]Strategy{
		{
			Name:      "later",
			Priority:  20,
			Condition: func(context.Context, error, AuthContext) bool { return true },
			Execute: func(context.Context, error, AuthContext) (Result, error) {
				second.Store(true)
				return Result{Success: true}, nil
			},
		},
		{
			Name:      "first",
			Priority:  10,
			Condition: func(context.Context, error, AuthContext) bool { return true },
			Execute: func(context.Context, error, AuthContext) (Result, error) {
				return Result{Success: true, Action: ActionCache}, nil
			},
		},
	})
	res := chain.Execute(t.Context(), nil, AuthContext{})
	if res.Strategy != "first" || second.Load() {
		t.Fatalf("expected only the lowest priority strategy to run, got %+v", res)
	}
}
