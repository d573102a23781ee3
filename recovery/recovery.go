// Package recovery is the single entry point for failures. It classifies an
// error, hands it to the component that can repair it and tracks the
// attempt as an Operation that always ends completed or failed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m1ndvortex/tabsync/cacheguard"
	"github.com/m1ndvortex/tabsync/conflict"
	"github.com/m1ndvortex/tabsync/fallback"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/session"
	"github.com/prometheus/client_golang/prometheus"
)

// Status is the state of an Operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Operation tracks one recovery. Error carries a description of the last
// failure, never the raw error value.
type Operation struct {
	ID          string             `json:"id"`
	Type        Type               `json:"type"`
	Status      Status             `json:"status"`
	RetryCount  int                `json:"retryCount"`
	MaxRetries  int                `json:"maxRetries"`
	StartedAt   time.Time          `json:"startedAt"`
	CompletedAt time.Time          `json:"completedAt,omitzero"`
	Error       string             `json:"error,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	Fallback    *fallback.Result   `json:"fallback,omitempty"`
	Cache       *cacheguard.Report `json:"cache,omitempty"`
}

// Terminal reports whether the operation reached completed or failed.
func (o *Operation) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusFailed
}

// FallbackRunner executes the auth fallback chain.
type FallbackRunner interface {
	Execute(ctx context.Context, err error, ac fallback.AuthContext) fallback.Result
	Stats() fallback.Stats
}

// ConflictHandler reconciles session state.
type ConflictHandler interface {
	HandleIncoming(ctx context.Context, incoming session.Snapshot) (conflict.Outcome, error)
	CheckConsistency(ctx context.Context) (conflict.Outcome, error)
	OpenConflicts() []conflict.Conflict
}

// CacheRepairer validates and repairs cache entries.
type CacheRepairer interface {
	ValidateEntry(ctx context.Context, key string) cacheguard.Report
	Scan(ctx context.Context) (cacheguard.ScanResult, error)
	Health(ctx context.Context) (cacheguard.Health, error)
}

// Connectivity is the network signal consulted by classification and
// health checks.
type Connectivity interface {
	Online() bool
}

// Deps are the specialists the orchestrator dispatches to. Any may be nil;
// failures of a missing specialist's family then fail fast.
type Deps struct {
	Retrier      *netretry.Retrier
	Connectivity Connectivity
	Fallback     FallbackRunner
	Conflicts    ConflictHandler
	Cache        CacheRepairer

	// Store is consulted for a refresh token and a backup session before
	// the fallback chain runs.
	Store kv.Store
}

// Stats summarizes finished operations.
type Stats struct {
	Total               int           `json:"total"`
	Completed           int           `json:"completed"`
	Failed              int           `json:"failed"`
	SuccessRate         float64       `json:"successRate"`
	AverageRecoveryTime time.Duration `json:"averageRecoveryTime"`
	ByType              map[Type]int  `json:"byType"`
}

// Orchestrator routes failures to specialists.
type Orchestrator struct {
	deps        Deps
	maxRetries  int
	backoff     netretry.Policy
	sleep       func(ctx context.Context, d time.Duration) error
	log         *slog.Logger
	now         func() time.Time
	historySize int
	metrics     *metrics

	mu         sync.Mutex
	serverErrs int
	history    []Operation
	stats     Stats
	totalTime time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries bounds the retries of a failed operation. Default: 3.
func WithMaxRetries(n int) Option { return func(o *Orchestrator) { o.maxRetries = n } }

// WithBackoff sets the delay curve between retries.
func WithBackoff(p netretry.Policy) Option { return func(o *Orchestrator) { o.backoff = p } }

// WithSleep replaces the wait between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithHistory bounds the operation history. Default: 100.
func WithHistory(n int) Option { return func(o *Orchestrator) { o.historySize = n } }

// WithRegisterer registers Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) { o.metrics = newMetrics(reg) }
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:        deps,
		maxRetries:  3,
		backoff:     netretry.DefaultPolicy(),
		sleep:       sleepCtx,
		log:         slog.New(slog.DiscardHandler),
		now:         time.Now,
		historySize: 100,
		stats:       Stats{ByType: map[Type]int{}},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = newMetrics(nil)
	}
	return o
}

// errTerminal marks dispatch failures that must not be retried.
var errTerminal = errors.New("manual intervention required")

type recoverConfig struct {
	retry    func(ctx context.Context) error
	request  netretry.Request
	ac       *fallback.AuthContext
	cacheKey string
	incoming *session.Snapshot
	typ      Type

	// last is the most recent failure: the cause, then replay errors.
	last error
}

// RecoverOption adds context to one RecoverFromError call.
type RecoverOption func(*recoverConfig)

// WithRetry sets the operation to replay for network failures, and after
// an auth fallback asks for a retry.
func WithRetry(fn func(ctx context.Context) error) RecoverOption {
	return func(c *recoverConfig) { c.retry = fn }
}

// WithRequest describes the failed request.
func WithRequest(r netretry.Request) RecoverOption { return func(c *recoverConfig) { c.request = r } }

// WithAuthContext describes a failed auth operation. It routes the failure
// to the fallback chain unless WithType says otherwise.
func WithAuthContext(ac fallback.AuthContext) RecoverOption {
	return func(c *recoverConfig) { c.ac = &ac }
}

// WithCacheKey names the cache entry involved.
func WithCacheKey(key string) RecoverOption { return func(c *recoverConfig) { c.cacheKey = key } }

// WithIncoming supplies the foreign snapshot behind a session failure.
func WithIncoming(s session.Snapshot) RecoverOption {
	return func(c *recoverConfig) { c.incoming = &s }
}

// WithType skips classification.
func WithType(t Type) RecoverOption { return func(c *recoverConfig) { c.typ = t } }

func (o *Orchestrator) online() bool {
	return o.deps.Connectivity == nil || o.deps.Connectivity.Online()
}

// Classify exposes the classification used by RecoverFromError.
func (o *Orchestrator) Classify(err error) Type { return Classify(err, o.online()) }

// RecoverFromError classifies err, dispatches it and retries failed
// attempts with exponential backoff. It returns once the operation is
// terminal or ctx ends.
func (o *Orchestrator) RecoverFromError(ctx context.Context, err error, opts ...RecoverOption) *Operation {
	var cfg recoverConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.last = err
	typ := cfg.typ
	switch {
	case typ != "":
	case cfg.ac != nil:
		typ = TypeAuth
	default:
		typ = o.Classify(err)
	}
	op := &Operation{
		ID:         uuid.NewString(),
		Type:       typ,
		Status:     StatusPending,
		MaxRetries: o.maxRetries,
		StartedAt:  o.now(),
	}
	log := o.log.With(slog.String("recovery_id", op.ID), slog.String("type", string(typ)))
	log.InfoContext(ctx, "recovery.start", slog.String("cause", describe(err)))

	for {
		op.Status = StatusInProgress
		derr := o.dispatch(ctx, op, err, &cfg)
		if derr == nil {
			op.Status = StatusCompleted
			op.Error = ""
			break
		}
		op.Error = describe(derr)
		if op.RetryCount >= op.MaxRetries || ctx.Err() != nil || errors.Is(derr, errTerminal) {
			op.Status = StatusFailed
			break
		}
		delay := o.backoff.ComputeDelay(op.RetryCount)
		op.RetryCount++
		o.metrics.retry(typ)
		log.DebugContext(ctx, "recovery.retry", slog.Int("retry", op.RetryCount), slog.Duration("delay", delay), slog.String("err", op.Error))
		if serr := o.sleep(ctx, delay); serr != nil {
			op.Status = StatusFailed
			op.Error = describe(serr)
			break
		}
	}
	op.CompletedAt = o.now()
	o.finish(op)

	level := slog.LevelInfo
	if op.Status == StatusFailed {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "recovery.done", slog.String("status", string(op.Status)), slog.Int("retries", op.RetryCount))
	return op
}

func (o *Orchestrator) dispatch(ctx context.Context, op *Operation, cause error, cfg *recoverConfig) error {
	switch op.Type {
	case TypeNetwork:
		return o.recoverNetwork(ctx, op, cfg)
	case TypeAuth:
		return o.recoverAuth(ctx, op, cause, cfg)
	case TypeSession:
		return o.recoverSession(ctx, op, cfg)
	case TypeCache:
		return o.recoverCache(ctx, op, cfg)
	}
	return fmt.Errorf("unknown recovery type %q", op.Type)
}

func (o *Orchestrator) recoverNetwork(ctx context.Context, op *Operation, cfg *recoverConfig) error {
	if cfg.retry == nil {
		if !o.online() {
			return netretry.ErrOffline
		}
		op.Detail = "nothing to replay"
		return nil
	}
	if o.deps.Retrier != nil {
		err := o.deps.Retrier.Do(ctx, cfg.request, cfg.retry)
		if err != nil {
			// The retrier already spent the retry budget for this request.
			return fmt.Errorf("%w: %w", errTerminal, err)
		}
		op.Detail = "replayed"
		return nil
	}
	err := cfg.retry(ctx)
	if err != nil && !o.retryable(err) {
		return fmt.Errorf("%w: %w", errTerminal, err)
	}
	return err
}

// retryable reports whether another replay of a failed request can help.
// Attempt counting is left to the caller.
func (o *Orchestrator) retryable(err error) bool {
	nerr := netretry.NewClassifier(o.deps.Connectivity).Wrap(err, netretry.Request{})
	if nerr.Type == netretry.TypeOffline {
		return false
	}
	return nerr.StatusCode == 0 || o.backoff.IsRetryableStatus(nerr.StatusCode)
}

// trackServerErrors counts consecutive 5xx failures across auth
// recoveries. Any other outcome resets the count.
func (o *Orchestrator) trackServerErrors(err error) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil && netretry.StatusCode(err) >= 500 {
		o.serverErrs++
	} else {
		o.serverErrs = 0
	}
	return o.serverErrs
}

// credentials reports which stored credentials the fallback chain can use.
func (o *Orchestrator) credentials(ctx context.Context) (refresh, backup bool) {
	if o.deps.Store == nil {
		return false, false
	}
	if tok, ok, err := kv.GetValue(ctx, o.deps.Store, session.RefreshTokenKey); err == nil && ok && len(tok) > 0 {
		refresh = true
	}
	if snap, ok, err := session.Load(ctx, o.deps.Store, session.BackupSnapshotKey); err == nil && ok && !snap.IsZero() {
		backup = true
	}
	return refresh, backup
}

func (o *Orchestrator) recoverAuth(ctx context.Context, op *Operation, cause error, cfg *recoverConfig) error {
	if o.deps.Fallback == nil {
		return errors.New("no fallback chain configured")
	}
	ac := fallback.AuthContext{Operation: fallback.OpRequest, StatusCode: netretry.StatusCode(cause)}
	if cfg.ac != nil {
		ac = *cfg.ac
	}
	ac.Online = o.online()
	ac.Attempt += op.RetryCount
	if st := netretry.StatusCode(cfg.last); st != 0 {
		ac.StatusCode = st
	}
	ac.ConsecutiveServerErrors = max(ac.ConsecutiveServerErrors, o.trackServerErrors(cfg.last))
	refresh, backup := o.credentials(ctx)
	ac.HasRefreshToken = ac.HasRefreshToken || refresh
	ac.HasBackupSession = ac.HasBackupSession || backup

	res := o.deps.Fallback.Execute(ctx, cfg.last, ac)
	op.Fallback = &res
	op.Detail = fmt.Sprintf("%s -> %s", res.Strategy, res.Action)
	if !res.Success {
		err := fmt.Errorf("fallback %q did not recover: %s", res.Strategy, res.Message)
		if res.Action == fallback.ActionRedirect {
			return fmt.Errorf("%w: %w", errTerminal, err)
		}
		return err
	}
	if res.Action == fallback.ActionRetry && cfg.retry != nil {
		if res.NextAttemptDelay > 0 {
			if err := o.sleep(ctx, res.NextAttemptDelay); err != nil {
				return err
			}
		}
		if err := cfg.retry(ctx); err != nil {
			cfg.last = err
			return err
		}
	}
	o.trackServerErrors(nil)
	return nil
}

func (o *Orchestrator) recoverSession(ctx context.Context, op *Operation, cfg *recoverConfig) error {
	if o.deps.Conflicts == nil {
		return errors.New("no conflict resolver configured")
	}
	var (
		out conflict.Outcome
		err error
	)
	if cfg.incoming != nil {
		out, err = o.deps.Conflicts.HandleIncoming(ctx, *cfg.incoming)
	} else {
		out, err = o.deps.Conflicts.CheckConsistency(ctx)
	}
	if err != nil {
		return err
	}
	switch {
	case out.Pending:
		op.Detail = "awaiting user decision for " + string(out.Conflict.Type)
	case out.Conflict != nil && out.Conflict.Resolution != nil:
		op.Detail = string(out.Conflict.Type) + " resolved with " + string(out.Conflict.Resolution.Effective())
	case out.Adopted:
		op.Detail = "adopted newer snapshot"
	default:
		op.Detail = "consistent"
	}
	return nil
}

func (o *Orchestrator) recoverCache(ctx context.Context, op *Operation, cfg *recoverConfig) error {
	if o.deps.Cache == nil {
		return errors.New("no cache guard configured")
	}
	if cfg.cacheKey != "" {
		rep := o.deps.Cache.ValidateEntry(ctx, cfg.cacheKey)
		op.Cache = &rep
		switch {
		case !rep.Corrupted:
			op.Detail = "entry valid"
		case rep.RecoveryMethod != "":
			// Dropping an unrecoverable entry is the repair.
			op.Detail = string(rep.Type) + " handled by " + rep.RecoveryMethod
		default:
			return fmt.Errorf("cache entry %s left corrupted", cfg.cacheKey)
		}
		return nil
	}
	res, err := o.deps.Cache.Scan(ctx)
	if err != nil {
		return err
	}
	op.Detail = fmt.Sprintf("scanned %d, repaired %d, removed %d", res.Scanned, res.Recovered, res.Removed)
	return nil
}

func (o *Orchestrator) finish(op *Operation) {
	o.metrics.observe(op)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.Total++
	o.stats.ByType[op.Type]++
	if op.Status == StatusCompleted {
		o.stats.Completed++
	} else {
		o.stats.Failed++
	}
	o.totalTime += op.CompletedAt.Sub(op.StartedAt)
	o.history = append(o.history, *op)
	if over := len(o.history) - o.historySize; over > 0 {
		o.history = append([]Operation(nil), o.history[over:]...)
	}
}

// Stats returns aggregate statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.ByType = maps.Clone(o.stats.ByType)
	if s.Total > 0 {
		s.SuccessRate = float64(s.Completed) / float64(s.Total)
		s.AverageRecoveryTime = o.totalTime / time.Duration(s.Total)
	}
	return s
}

// Operations returns recent operations, oldest first.
func (o *Orchestrator) Operations() []Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Operation(nil), o.history...)
}

// describe flattens err into text so transport error values never leave
// the orchestrator.
func describe(err error) string {
	if err == nil {
		return ""
	}
	var nerr *netretry.NetworkError
	if errors.As(err, &nerr) {
		return fmt.Sprintf("%s after %d retries", nerr.Type, nerr.RetryCount)
	}
	if code := netretry.StatusCode(err); code != 0 {
		return fmt.Sprintf("http %d %s", code, http.StatusText(code))
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
