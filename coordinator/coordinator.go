// Package coordinator assembles every tabsync component for one execution
// context on a shared store and bus, and owns their lifecycle.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m1ndvortex/tabsync/authapi"
	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/cacheguard"
	"github.com/m1ndvortex/tabsync/config"
	"github.com/m1ndvortex/tabsync/conflict"
	"github.com/m1ndvortex/tabsync/connectivity"
	"github.com/m1ndvortex/tabsync/fallback"
	"github.com/m1ndvortex/tabsync/internal/logctx"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/logout"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/offline"
	"github.com/m1ndvortex/tabsync/recovery"
	"github.com/m1ndvortex/tabsync/session"
	"github.com/m1ndvortex/tabsync/tabs"
	"github.com/prometheus/client_golang/prometheus"
)

// LoginLock serializes logins across contexts.
const LoginLock = "login"

var (
	// ErrNoSession is returned by Touch when no session is active.
	ErrNoSession = errors.New("coordinator: no active session")
	// ErrStarted is returned by Start on a running coordinator.
	ErrStarted = errors.New("coordinator: already started")
	// ErrClosed is returned by Start once Close has been called.
	ErrClosed = errors.New("coordinator: closed")
	// ErrNoAuth is returned by operations needing the session API when none
	// was configured.
	ErrNoAuth = errors.New("coordinator: no auth client configured")
)

// Deps are the collaborators a Coordinator does not create. Store and Bus
// are required and are not closed by the Coordinator.
type Deps struct {
	Store kv.Store
	Bus   bus.Bus

	Auth         *authapi.Client
	Connectivity *connectivity.Monitor
	Executor     offline.Executor
	Chooser      conflict.Chooser
	Registerer   prometheus.Registerer
	Logger       *slog.Logger
	Clock        func() time.Time
	ContextID    string

	// OnReauth is called when conflict resolution discards the local
	// session and the user must sign in again.
	OnReauth func(ctx context.Context)
}

// Coordinator is one execution context's view of the shared session.
// It is single-use: after Close, Start fails with ErrClosed and a new
// Coordinator must be built.
type Coordinator struct {
	cfg   config.Config
	deps  Deps
	log   *slog.Logger
	now   func() time.Time
	store kv.Store
	ep    *bus.Endpoint

	conn     *connectivity.Monitor
	retrier  *netretry.Retrier
	registry *tabs.Registry
	resolver *conflict.Resolver
	guard    *cacheguard.Guard
	chain    *fallback.Chain
	recovery *recovery.Orchestrator
	queue    *offline.Queue
	reader   *offline.Reader
	logout   *logout.Coordinator

	mu       sync.Mutex
	cancel   context.CancelFunc
	unlisten func()
	closed   bool
	wg       sync.WaitGroup
}

// New wires every component from cfg and deps.
func New(cfg config.Config, deps Deps) (*Coordinator, error) {
	if deps.Store == nil || deps.Bus == nil {
		return nil, errors.New("coordinator: store and bus are required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if _, ok := log.Handler().(logctx.Handler); !ok {
		log = slog.New(logctx.Handler{Handler: log.Handler()})
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	id := deps.ContextID
	if id == "" {
		id = uuid.NewString()
	}

	c := &Coordinator{cfg: cfg, deps: deps, log: log, now: now, store: deps.Store}
	c.ep = bus.NewEndpoint(deps.Bus, id, bus.WithClock(now), bus.WithEndpointLogger(log))

	c.conn = deps.Connectivity
	if c.conn == nil {
		var opts []connectivity.Option
		if cfg.ProbeURL != "" {
			opts = append(opts, connectivity.WithProbe(cfg.ProbeURL, cfg.ProbeInterval))
		}
		c.conn = connectivity.New(append(opts, connectivity.WithLogger(log))...)
	}
	policy := cfg.RetryPolicy()
	classifier := netretry.NewClassifier(c.conn)
	c.retrier = netretry.NewRetrier(policy, netretry.WithLogger(log), netretry.WithClassifier(classifier))

	c.registry = tabs.NewRegistry(deps.Store, c.ep,
		tabs.WithLogger(log),
		tabs.WithClock(now),
		tabs.WithHeartbeatInterval(cfg.HeartbeatInterval),
		tabs.WithLivenessTimeout(cfg.LivenessTimeout),
		tabs.WithSweepInterval(cfg.SweepInterval),
		tabs.WithLockTTL(cfg.LockTTL))

	c.guard = cacheguard.New(deps.Store,
		cacheguard.WithLogger(log),
		cacheguard.WithClock(now),
		cacheguard.WithScanInterval(cfg.CacheScanInterval))

	resolverOpts := []conflict.Option{
		conflict.WithLogger(log),
		conflict.WithClock(now),
		conflict.WithAutoResolveTimeout(cfg.ConflictTimeout),
		conflict.WithOnChange(c.sessionChanged),
	}
	if deps.Chooser != nil {
		resolverOpts = append(resolverOpts, conflict.WithChooser(deps.Chooser))
	}
	c.resolver = conflict.NewResolver(deps.Store, c.ep, resolverOpts...)

	var (
		authn  fallback.Authenticator
		server logout.Server
	)
	if deps.Auth != nil {
		authn, server = deps.Auth, deps.Auth
	}
	c.chain = fallback.NewChain(fallback.DefaultStrategies(fallback.Deps{
		Store:      deps.Store,
		Auth:       authn,
		Policy:     policy,
		Classifier: classifier,
		ContextID:  id,
		Now:        now,
	}), fallback.WithLogger(log), fallback.WithClock(now))

	recoveryOpts := []recovery.Option{
		recovery.WithLogger(log),
		recovery.WithClock(now),
		recovery.WithMaxRetries(cfg.RetryMax),
		recovery.WithBackoff(policy),
	}
	if deps.Registerer != nil {
		recoveryOpts = append(recoveryOpts, recovery.WithRegisterer(deps.Registerer))
	}
	c.recovery = recovery.New(recovery.Deps{
		Retrier:      c.retrier,
		Connectivity: c.conn,
		Fallback:     c.chain,
		Conflicts:    c.resolver,
		Cache:        c.guard,
		Store:        deps.Store,
	}, recoveryOpts...)

	c.queue = offline.NewQueue(deps.Store, deps.Executor,
		offline.WithLogger(log),
		offline.WithClock(now),
		offline.WithConnectivity(c.conn),
		offline.WithOwner(id),
		offline.WithPolicy(policy),
		offline.WithPollInterval(cfg.SyncPollInterval),
		offline.WithRetryLimits(cfg.SyncCriticalRetries, cfg.SyncNormalRetries, cfg.SyncLowRetries))
	c.reader = offline.NewReader(c.guard, offline.WithReaderLogger(log), offline.WithReaderClock(now))

	c.logout = logout.New(deps.Store, c.ep, server,
		logout.WithLogger(log),
		logout.WithRetrier(c.retrier),
		logout.OnLocalClear(func(ctx context.Context) {
			c.registry.SetSessionID("")
			c.resolver.SetLocal(session.Snapshot{})
		}))
	return c, nil
}

func (c *Coordinator) ContextID() string { return c.ep.ContextID() }
func (c *Coordinator) Registry() *tabs.Registry { return c.registry }
func (c *Coordinator) Resolver() *conflict.Resolver { return c.resolver }
func (c *Coordinator) Cache() *cacheguard.Guard { return c.guard }
func (c *Coordinator) Fallback() *fallback.Chain { return c.chain }
func (c *Coordinator) Recovery() *recovery.Orchestrator { return c.recovery }
func (c *Coordinator) Queue() *offline.Queue { return c.queue }
func (c *Coordinator) Reader() *offline.Reader { return c.reader }
func (c *Coordinator) Connectivity() *connectivity.Monitor { return c.conn }
func (c *Coordinator) Retrier() *netretry.Retrier { return c.retrier }

func (c *Coordinator) logCtx(ctx context.Context) context.Context {
	snap := c.resolver.Local()
	return logctx.WithContextData(ctx, &logctx.ContextData{
		ContextID: c.ep.ContextID(),
		SessionID: snap.SessionID,
		UserID:    snap.UserID,
	})
}

// Start adopts the persisted session, subscribes to the bus and launches
// the periodic loops. Loops run until Close or until ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		return ErrStarted
	}

	snap, ok, err := session.Load(ctx, c.store, session.SnapshotKey)
	if err != nil {
		return fmt.Errorf("coordinator: load session: %w", err)
	}
	if ok && snap.ValidAt(c.now()) {
		c.resolver.SetLocal(snap)
		c.registry.SetSessionID(snap.SessionID)
	}

	loopCtx, cancel := context.WithCancel(c.logCtx(ctx))

	unlisten, err := c.ep.Listen(loopCtx, c.dispatch)
	if err != nil {
		cancel()
		return fmt.Errorf("coordinator: listen: %w", err)
	}
	if err := c.registry.Start(loopCtx); err != nil {
		unlisten()
		cancel()
		return err
	}

	loops := []func(context.Context){
		c.guard.Start,
		c.conn.Run,
		func(ctx context.Context) { c.resolver.Run(ctx, c.cfg.ConsistencyCheck) },
	}
	if c.deps.Executor != nil {
		loops = append(loops, c.queue.Run)
	}
	for _, loop := range loops {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			loop(loopCtx)
		}()
	}

	c.cancel, c.unlisten = cancel, unlisten
	c.log.InfoContext(loopCtx, "coordinator.started", slog.Int("loops", len(loops)))
	return nil
}

// Close stops the loops, unregisters this context and abandons pending
// conflict decisions. In-flight work finishes but its results are dropped.
// Close is idempotent and permanent.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel, unlisten := c.cancel, c.unlisten
	c.cancel, c.unlisten = nil, nil
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if cancel == nil {
		if !wasClosed {
			c.resolver.Close()
			c.reader.Close()
		}
		return nil
	}
	unlisten()
	cancel()
	c.wg.Wait()

	err := c.registry.Stop(ctx)
	c.resolver.Close()
	c.reader.Close()
	if err != nil {
		c.log.ErrorContext(c.logCtx(ctx), "coordinator.close_failed", slog.String("err", err.Error()))
	} else {
		c.log.InfoContext(c.logCtx(ctx), "coordinator.closed")
	}
	return err
}

// dispatch routes an inbound message to its owning component.
func (c *Coordinator) dispatch(ctx context.Context, msg bus.Message) {
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{ID: msg.ID, Type: string(msg.Type()), From: msg.ContextID})
	switch msg.Payload.(type) {
	case bus.SessionUpdate, bus.ConflictResolution:
		c.resolver.HandleMessage(ctx, msg)
	case bus.Logout:
		c.logout.HandleMessage(ctx, msg)
	case bus.TabRegister, bus.TabUnregister, bus.Heartbeat:
		c.registry.HandleMessage(ctx, msg)
	default:
		c.log.WarnContext(ctx, "coordinator.unhandled_message")
	}
}

func (c *Coordinator) sessionChanged(ctx context.Context, snap session.Snapshot, cause *conflict.Conflict) {
	c.registry.SetSessionID(snap.SessionID)
	if !snap.IsZero() {
		return
	}
	attrs := []any{}
	if cause != nil {
		attrs = append(attrs, slog.String("conflict", string(cause.Type)))
	}
	c.log.WarnContext(ctx, "coordinator.reauth_required", attrs...)
	if c.deps.OnReauth != nil {
		c.deps.OnReauth(ctx)
	}
}

// Login installs snap as the shared session under the login lock and
// announces it to other contexts.
func (c *Coordinator) Login(ctx context.Context, snap session.Snapshot) (session.Snapshot, error) {
	ctx = logctx.WithOpData(ctx, &logctx.OpData{Name: "login", ID: uuid.NewString()})
	snap = snap.Clone()
	err := c.registry.WithLock(ctx, LoginLock, func(ctx context.Context) error {
		now := c.now()
		snap.OriginContext = c.ep.ContextID()
		snap.IsActive = true
		snap.LastActivity = now
		if err := session.Save(ctx, c.store, session.SnapshotKey, snap); err != nil {
			return fmt.Errorf("coordinator: save session: %w", err)
		}
		if err := session.Save(ctx, c.store, session.BackupSnapshotKey, snap); err != nil {
			c.log.WarnContext(ctx, "coordinator.backup_failed", slog.String("err", err.Error()))
		}
		c.resolver.SetLocal(snap)
		c.registry.SetSessionID(snap.SessionID)
		return c.ep.Send(ctx, bus.SessionUpdate{Snapshot: snap})
	})
	if err != nil {
		return session.Snapshot{}, err
	}
	c.log.InfoContext(c.logCtx(ctx), "coordinator.login")
	return snap, nil
}

// LoginWithCredentials signs in against the session API and installs the
// resulting session.
func (c *Coordinator) LoginWithCredentials(ctx context.Context, creds authapi.Credentials) (session.Snapshot, error) {
	if c.deps.Auth == nil {
		return session.Snapshot{}, ErrNoAuth
	}
	var resp authapi.SessionResponse
	err := c.retrier.Do(ctx, netretry.Request{Method: http.MethodPost, URL: authapi.PathLogin}, func(ctx context.Context) error {
		var err error
		resp, err = c.deps.Auth.Login(ctx, creds)
		return err
	})
	if err != nil {
		return session.Snapshot{}, err
	}
	if resp.RefreshToken != "" {
		if err := c.store.Set(ctx, session.RefreshTokenKey, []byte(resp.RefreshToken)); err != nil {
			c.log.WarnContext(ctx, "coordinator.refresh_token_failed", slog.String("err", err.Error()))
		}
	}
	return c.Login(ctx, resp.Snapshot(c.ep.ContextID(), c.now()))
}

// Touch records user activity on the current session.
func (c *Coordinator) Touch(ctx context.Context) (session.Snapshot, error) {
	snap := c.resolver.Local()
	if snap.IsZero() {
		return session.Snapshot{}, ErrNoSession
	}
	snap.LastActivity = c.now()
	if err := session.Save(ctx, c.store, session.SnapshotKey, snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("coordinator: save session: %w", err)
	}
	c.resolver.SetLocal(snap)
	if err := c.ep.Send(ctx, bus.SessionUpdate{Snapshot: snap}); err != nil {
		c.log.DebugContext(ctx, "coordinator.touch.broadcast_failed", slog.String("err", err.Error()))
	}
	return snap, nil
}

// Session returns the local session snapshot.
func (c *Coordinator) Session() session.Snapshot { return c.resolver.Local() }

// Logout runs the coordinated logout sequence.
func (c *Coordinator) Logout(ctx context.Context, opts ...logout.LogoutOption) logout.Result {
	ctx = logctx.WithOpData(c.logCtx(ctx), &logctx.OpData{Name: "logout", ID: uuid.NewString()})
	return c.logout.Logout(ctx, opts...)
}

// Recover routes err through the recovery orchestrator.
func (c *Coordinator) Recover(ctx context.Context, err error, opts ...recovery.RecoverOption) *recovery.Operation {
	return c.recovery.RecoverFromError(c.logCtx(ctx), err, opts...)
}

// Health grades the overall state of this context.
func (c *Coordinator) Health(ctx context.Context) recovery.HealthReport {
	return c.recovery.PerformHealthCheck(c.logCtx(ctx))
}
