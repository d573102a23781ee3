// Package logout tears a session down across every context: it announces
// the logout, clears local state, invalidates the server session and
// verifies the result.
package logout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/m1ndvortex/tabsync/authapi"
	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/session"
)

// Step names in execution order.
const (
	StepBroadcast        = "broadcast"
	StepClearLocal       = "clear_local"
	StepInvalidateServer = "invalidate_server"
	StepVerifyLocal      = "verify_local"
	StepVerifyServer     = "verify_server"
)

// Step records one stage of a logout.
type Step struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Skipped  bool          `json:"skipped,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result reports a logout. Success means local state is verifiably gone;
// server problems only add warnings.
type Result struct {
	Success           bool     `json:"success"`
	LocalCleared      bool     `json:"localCleared"`
	ServerInvalidated bool     `json:"serverInvalidated"`
	ServerVerified    bool     `json:"serverVerified"`
	Warnings          []string `json:"warnings,omitempty"`
	Steps             []Step   `json:"steps"`
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Server is the part of the session API logout needs.
type Server interface {
	Logout(ctx context.Context, token string) error
	VerifySession(ctx context.Context, token string) error
}

var _ Server = (*authapi.Client)(nil)

// Coordinator runs logouts for one context.
type Coordinator struct {
	store   kv.Store
	ep      *bus.Endpoint
	server  Server
	retrier *netretry.Retrier
	log     *slog.Logger
	cleared []func(ctx context.Context)

	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithRetrier sets the retry policy for the server invalidation call.
func WithRetrier(r *netretry.Retrier) Option { return func(c *Coordinator) { c.retrier = r } }

// OnLocalClear registers fn to run after local keys are cleared, for
// in-memory state such as the registry's session id.
func OnLocalClear(fn func(ctx context.Context)) Option {
	return func(c *Coordinator) { c.cleared = append(c.cleared, fn) }
}

// New creates a Coordinator. ep and server may be nil.
func New(store kv.Store, ep *bus.Endpoint, server Server, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		ep:      ep,
		server:  server,
		retrier: netretry.NewRetrier(netretry.DefaultPolicy()),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type logoutConfig struct {
	reason       string
	token        string
	verifyServer bool
	clearQueue   bool
}

// LogoutOption adjusts one Logout call.
type LogoutOption func(*logoutConfig)

// WithReason is broadcast to other contexts.
func WithReason(r string) LogoutOption { return func(c *logoutConfig) { c.reason = r } }

// WithToken overrides the token sent to the server. By default the token
// of the stored session is used.
func WithToken(t string) LogoutOption { return func(c *logoutConfig) { c.token = t } }

// WithServerVerification asks the server afterwards whether the session is
// really gone.
func WithServerVerification() LogoutOption { return func(c *logoutConfig) { c.verifyServer = true } }

// WithClearSyncQueue also drops queued offline mutations.
func WithClearSyncQueue() LogoutOption { return func(c *logoutConfig) { c.clearQueue = true } }

var (
	localKeys     = []string{session.SnapshotKey, session.BackupSnapshotKey, session.RefreshTokenKey, session.DegradedSessionKey}
	localPrefixes = []string{session.CacheKeyPrefix, session.CacheBackupPrefix}
)

func (cfg logoutConfig) prefixes() []string {
	if cfg.clearQueue {
		return append(append([]string(nil), localPrefixes...), session.SyncKeyPrefix)
	}
	return localPrefixes
}

// Logout runs the full sequence. It never returns early on server
// failures: local state is always cleared.
func (c *Coordinator) Logout(ctx context.Context, opts ...LogoutOption) Result {
	var cfg logoutConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	snap, _, err := session.Load(ctx, c.store, session.SnapshotKey)
	if err != nil {
		res.warn("read session: %v", err)
	}
	token := cfg.token
	if token == "" {
		token = snap.Token
	}

	res.Steps = append(res.Steps, c.step(StepBroadcast, func(st *Step) {
		if c.ep == nil {
			st.Skipped, st.OK = true, true
			return
		}
		if err := c.ep.Send(ctx, bus.Logout{UserID: snap.UserID, Reason: cfg.reason}); err != nil {
			st.Detail = err.Error()
			res.warn("broadcast logout: %v", err)
			return
		}
		st.OK = true
	}))

	c.clearLocal(ctx, cfg, &res)

	res.Steps = append(res.Steps, c.step(StepInvalidateServer, func(st *Step) {
		if c.server == nil || token == "" {
			st.Skipped = true
			st.Detail = "no server session to invalidate"
			return
		}
		req := netretry.Request{Method: http.MethodPost, URL: authapi.PathLogout}
		err := c.retrier.Do(ctx, req, func(ctx context.Context) error { return c.server.Logout(ctx, token) })
		switch {
		case err == nil:
			st.OK = true
		case netretry.StatusCode(err) == http.StatusUnauthorized:
			st.OK, st.Detail = true, "session already invalid"
		default:
			st.Detail = err.Error()
			res.warn("server logout failed, session may remain valid server-side: %v", err)
		}
		res.ServerInvalidated = st.OK
	}))

	c.verifyLocal(ctx, cfg, &res)

	if cfg.verifyServer {
		res.Steps = append(res.Steps, c.step(StepVerifyServer, func(st *Step) {
			if c.server == nil || token == "" {
				st.Skipped = true
				return
			}
			err := c.server.VerifySession(ctx, token)
			switch code := netretry.StatusCode(err); {
			case code == http.StatusUnauthorized:
				st.OK = true
			case err == nil:
				st.Detail = "server still accepts the token"
				res.warn("server session still valid after logout")
			default:
				st.Detail = err.Error()
				res.warn("server verification failed: %v", err)
			}
			res.ServerVerified = st.OK
		}))
	}

	res.Success = res.LocalCleared
	c.logResult(ctx, "logout.done", res)
	return res
}

// LocalLogout clears and verifies local state only. It is the reaction to
// a logout announced by another context.
func (c *Coordinator) LocalLogout(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res Result
	cfg := logoutConfig{}
	c.clearLocal(ctx, cfg, &res)
	c.verifyLocal(ctx, cfg, &res)
	res.Success = res.LocalCleared
	c.logResult(ctx, "logout.local", res)
	return res
}

// HandleMessage reacts to logout messages from other contexts.
func (c *Coordinator) HandleMessage(ctx context.Context, msg bus.Message) bool {
	lo, ok := msg.Payload.(bus.Logout)
	if !ok {
		return false
	}
	c.log.InfoContext(ctx, "logout.foreign", slog.String("from", msg.ContextID), slog.String("reason", lo.Reason))
	c.LocalLogout(ctx)
	return true
}

func (c *Coordinator) clearLocal(ctx context.Context, cfg logoutConfig, res *Result) {
	res.Steps = append(res.Steps, c.step(StepClearLocal, func(st *Step) {
		var errs []error
		for _, k := range localKeys {
			if err := c.store.Delete(ctx, k); err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
			}
		}
		removed := 0
		for _, p := range cfg.prefixes() {
			n, err := kv.DeletePrefix(ctx, c.store, p)
			removed += n
			if err != nil {
				errs = append(errs, fmt.Errorf("clear %s: %w", p, err))
			}
		}
		for _, fn := range c.cleared {
			fn(ctx)
		}
		if err := errors.Join(errs...); err != nil {
			st.Detail = err.Error()
			c.log.ErrorContext(ctx, "logout.clear_failed", slog.String("err", err.Error()))
			return
		}
		st.OK = true
		st.Detail = fmt.Sprintf("removed %d cache entries", removed)
	}))
}

func (c *Coordinator) verifyLocal(ctx context.Context, cfg logoutConfig, res *Result) {
	res.Steps = append(res.Steps, c.step(StepVerifyLocal, func(st *Step) {
		left, err := c.leftovers(ctx, cfg)
		if err == nil && len(left) > 0 {
			// One more pass for keys written concurrently.
			for _, k := range left {
				_ = c.store.Delete(ctx, k)
			}
			left, err = c.leftovers(ctx, cfg)
		}
		switch {
		case err != nil:
			st.Detail = err.Error()
			c.log.ErrorContext(ctx, "logout.verify_failed", slog.String("err", err.Error()))
		case len(left) > 0:
			st.Detail = "keys remain: " + strings.Join(left, ", ")
			c.log.ErrorContext(ctx, "logout.keys_remain", slog.Any("keys", left))
		default:
			st.OK = true
		}
		res.LocalCleared = st.OK
	}))
}

func (c *Coordinator) leftovers(ctx context.Context, cfg logoutConfig) ([]string, error) {
	var left []string
	for _, k := range localKeys {
		it, err := c.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if it != nil {
			left = append(left, k)
		}
	}
	for _, p := range cfg.prefixes() {
		keys, err := c.store.Keys(ctx, p)
		if err != nil {
			return nil, err
		}
		left = append(left, keys...)
	}
	return left, nil
}

func (c *Coordinator) step(name string, fn func(st *Step)) Step {
	st := Step{Name: name}
	start := time.Now()
	fn(&st)
	st.Duration = time.Since(start)
	return st
}

func (c *Coordinator) logResult(ctx context.Context, msg string, res Result) {
	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelError
	} else if len(res.Warnings) > 0 {
		level = slog.LevelWarn
	}
	c.log.Log(ctx, level, msg,
		slog.Bool("success", res.Success),
		slog.Bool("server_invalidated", res.ServerInvalidated),
		slog.Any("warnings", res.Warnings))
}
