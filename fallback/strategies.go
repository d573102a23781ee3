package fallback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/m1ndvortex/tabsync/authapi"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/session"
)

// Default strategy names.
const (
	NetworkRetry        = "network_retry"
	OfflineMode         = "offline_mode"
	TokenRefresh        = "token_refresh"
	SessionRecovery     = "session_recovery"
	GracefulDegradation = "graceful_degradation"
	ManualIntervention  = "manual_intervention"
)

// Authenticator is the subset of the auth server client used by the
// default strategies.
type Authenticator interface {
	Refresh(ctx context.Context, refreshToken string) (authapi.SessionResponse, error)
	ValidateSession(ctx context.Context, sessionID, token string) (authapi.SessionResponse, error)
}

// Deps are the collaborators of the default strategies.
type Deps struct {
	Store      kv.Store
	Auth       Authenticator
	Policy     netretry.Policy
	Classifier *netretry.Classifier
	ContextID  string
	Now        func() time.Time
}

var (
	errNoRefreshToken = errors.New("fallback: no refresh token stored")
	errNoBackup       = errors.New("fallback: no backup session stored")
	errNoSession      = errors.New("fallback: no session to degrade")
	errNoAuth         = errors.New("fallback: no auth client configured")
)

// DefaultStrategies returns the standard chain: network retry, offline
// mode, token refresh, session recovery, graceful degradation and manual
// intervention, in that order.
func DefaultStrategies(d Deps) []Strategy {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Policy.MaxRetries == 0 && d.Policy.BaseDelay == 0 {
		d.Policy = netretry.DefaultPolicy()
	}
	if d.Classifier == nil {
		d.Classifier = netretry.NewClassifier(nil)
	}
	return []Strategy{
		{
			Name:     NetworkRetry,
			Priority: 10,
			Condition: func(_ context.Context, err error, ac AuthContext) bool {
				if ac.Attempt >= 3 || !ac.Online {
					return false
				}
				nerr := d.Classifier.Wrap(err, netretry.Request{})
				probe := *nerr
				probe.RetryCount = ac.Attempt
				return d.Policy.ShouldRetry(&probe, ac.StatusCode)
			},
			Execute: func(_ context.Context, _ error, ac AuthContext) (Result, error) {
				return Result{Success: true, Action: ActionRetry, NextAttemptDelay: d.Policy.ComputeDelay(ac.Attempt)}, nil
			},
		},
		{
			Name:     OfflineMode,
			Priority: 20,
			Condition: func(ctx context.Context, _ error, ac AuthContext) bool {
				if ac.Online || ac.Operation == OpLogin || d.Store == nil {
					return false
				}
				snap, ok, err := session.Load(ctx, d.Store, session.SnapshotKey)
				return err == nil && ok && snap.ValidAt(d.Now())
			},
			Execute: func(ctx context.Context, _ error, _ AuthContext) (Result, error) {
				snap, ok, err := session.Load(ctx, d.Store, session.SnapshotKey)
				if err != nil || !ok || !snap.ValidAt(d.Now()) {
					return Result{Action: ActionOffline}, errors.Join(err, errors.New("fallback: cached session no longer valid"))
				}
				return Result{Success: true, Action: ActionOffline, Snapshot: snap, Message: "serving cached session while offline"}, nil
			},
		},
		{
			Name:     TokenRefresh,
			Priority: 30,
			Condition: func(_ context.Context, _ error, ac AuthContext) bool {
				return ac.StatusCode == http.StatusUnauthorized && ac.HasRefreshToken
			},
			Execute: func(ctx context.Context, _ error, _ AuthContext) (Result, error) {
				if d.Auth == nil {
					return Result{Action: ActionRedirect}, errNoAuth
				}
				refresh, ok, err := kv.GetValue(ctx, d.Store, session.RefreshTokenKey)
				if err != nil || !ok || len(refresh) == 0 {
					return Result{Action: ActionRedirect}, errors.Join(err, errNoRefreshToken)
				}
				resp, err := d.Auth.Refresh(ctx, string(refresh))
				if err != nil {
					return Result{Action: ActionRedirect}, fmt.Errorf("fallback: refresh: %w", err)
				}
				snap := resp.Snapshot(d.ContextID, d.Now())
				if err := session.Save(ctx, d.Store, session.SnapshotKey, snap); err != nil {
					return Result{Action: ActionRetry}, fmt.Errorf("fallback: store refreshed session: %w", err)
				}
				if resp.RefreshToken != "" {
					if err := d.Store.Set(ctx, session.RefreshTokenKey, []byte(resp.RefreshToken)); err != nil {
						return Result{Action: ActionRetry}, fmt.Errorf("fallback: store refresh token: %w", err)
					}
				}
				return Result{Success: true, Action: ActionRetry, Snapshot: snap, Message: "token refreshed"}, nil
			},
		},
		{
			Name:     SessionRecovery,
			Priority: 40,
			Condition: func(_ context.Context, _ error, ac AuthContext) bool {
				return ac.StatusCode == http.StatusUnauthorized && ac.Operation == OpValidate && ac.HasBackupSession
			},
			Execute: func(ctx context.Context, _ error, _ AuthContext) (Result, error) {
				if d.Auth == nil {
					return Result{Action: ActionRedirect}, errNoAuth
				}
				backup, ok, err := session.Load(ctx, d.Store, session.BackupSnapshotKey)
				if err != nil || !ok {
					return Result{Action: ActionRedirect}, errors.Join(err, errNoBackup)
				}
				resp, err := d.Auth.ValidateSession(ctx, backup.SessionID, backup.Token)
				if err != nil {
					return Result{Action: ActionRedirect}, fmt.Errorf("fallback: validate backup session: %w", err)
				}
				snap := resp.Snapshot(d.ContextID, d.Now())
				if err := session.Save(ctx, d.Store, session.SnapshotKey, snap); err != nil {
					return Result{Action: ActionRetry}, fmt.Errorf("fallback: store recovered session: %w", err)
				}
				return Result{Success: true, Action: ActionRetry, Snapshot: snap, Message: "session recovered from backup"}, nil
			},
		},
		{
			Name:     GracefulDegradation,
			Priority: 50,
			Condition: func(_ context.Context, _ error, ac AuthContext) bool {
				return ac.ConsecutiveServerErrors >= 2
			},
			Execute: func(ctx context.Context, _ error, _ AuthContext) (Result, error) {
				snap, ok, err := session.Load(ctx, d.Store, session.SnapshotKey)
				if err != nil || !ok || snap.IsZero() {
					return Result{Action: ActionManual}, errors.Join(err, errNoSession)
				}
				degraded := snap.Clone()
				if degraded.Metadata == nil {
					degraded.Metadata = map[string]string{}
				}
				degraded.Metadata["degraded"] = "true"
				degraded.Metadata["degradedAt"] = d.Now().UTC().Format(time.RFC3339)
				if err := session.Save(ctx, d.Store, session.DegradedSessionKey, degraded); err != nil {
					return Result{Action: ActionManual}, fmt.Errorf("fallback: store degraded session: %w", err)
				}
				return Result{Success: true, Action: ActionCache, Snapshot: degraded, Message: "limited functionality until the server recovers"}, nil
			},
		},
		{
			Name:     ManualIntervention,
			Priority: 60,
			Condition: func(_ context.Context, _ error, ac AuthContext) bool {
				return ac.Attempt >= 5 || (ac.StatusCode == http.StatusForbidden && ac.Operation == OpLogin)
			},
			Execute: func(_ context.Context, _ error, _ AuthContext) (Result, error) {
				return Result{Success: false, Action: ActionRedirect, Message: "re-authentication required"}, nil
			},
		},
	}
}
