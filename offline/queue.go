// Package offline queues mutations made while the network is unavailable
// and replays them once connectivity returns. It also provides cache-aware
// read strategies for data that must stay readable offline.
package offline

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m1ndvortex/tabsync/kv"
	"github.com/m1ndvortex/tabsync/netretry"
	"github.com/m1ndvortex/tabsync/session"
)

// Priority orders replay. Critical operations replay first and get the
// most attempts.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityNormal:
		return 1
	}
	return 2
}

// TempIDPrefix marks identifiers assigned locally before the server has
// seen the operation.
const TempIDPrefix = "tmp_"

var (
	// ErrInvalidPriority is returned by Enqueue for unknown priorities.
	ErrInvalidPriority = errors.New("offline: invalid priority")
	// ErrNoExecutor is returned by Flush on a queue built without an executor.
	ErrNoExecutor = errors.New("offline: no executor")
)

// Operation is a queued mutation. Retries counts failed attempts; the
// operation is dropped once Retries reaches MaxRetries. A replaying queue
// claims the operation first; other queues skip it until ClaimedUntil.
type Operation struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	CreatedAt   time.Time       `json:"createdAt"`
	Retries     int             `json:"retries"`
	MaxRetries  int             `json:"maxRetries"`
	NextRetryAt time.Time       `json:"nextRetryAt,omitzero"`
	LastError   string          `json:"lastError,omitempty"`

	ClaimedBy    string    `json:"claimedBy,omitempty"`
	ClaimedUntil time.Time `json:"claimedUntil,omitzero"`
}

func (op Operation) claimedByOther(owner string, now time.Time) bool {
	return op.ClaimedBy != "" && op.ClaimedBy != owner && op.ClaimedUntil.After(now)
}

// Executor replays one operation against the server.
type Executor interface {
	Execute(ctx context.Context, op Operation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op Operation) error

func (f ExecutorFunc) Execute(ctx context.Context, op Operation) error { return f(ctx, op) }

// Connectivity is the online signal driving replay.
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// FlushResult summarizes one replay pass.
type FlushResult struct {
	Attempted   int      `json:"attempted"`
	Succeeded   int      `json:"succeeded"`
	Rescheduled int      `json:"rescheduled"`
	Dropped     int      `json:"dropped"`
	Remaining   int      `json:"remaining"`
	Errors      []string `json:"errors,omitempty"`
}

// Queue persists operations under session.SyncKeyPrefix so every context
// sharing the store sees the same backlog.
type Queue struct {
	store        kv.Store
	exec         Executor
	conn         Connectivity
	policy       netretry.Policy
	limits       map[Priority]int
	pollInterval time.Duration
	owner        string
	claimTTL     time.Duration
	settleDelay  time.Duration
	log          *slog.Logger
	now          func() time.Time

	flushMu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithConnectivity sets the online signal. Without one the queue assumes
// it is online.
func WithConnectivity(c Connectivity) Option { return func(q *Queue) { q.conn = c } }

// WithPolicy sets the backoff curve between attempts.
func WithPolicy(p netretry.Policy) Option { return func(q *Queue) { q.policy = p } }

// WithRetryLimits sets attempts per priority. Defaults: 5, 3 and 1.
func WithRetryLimits(critical, normal, low int) Option {
	return func(q *Queue) {
		q.limits = map[Priority]int{PriorityCritical: critical, PriorityNormal: normal, PriorityLow: low}
	}
}

// WithPollInterval sets the fallback polling period of Run. Default: 30s.
func WithPollInterval(d time.Duration) Option { return func(q *Queue) { q.pollInterval = d } }

// WithOwner names this queue in claims. Default: a random id.
func WithOwner(id string) Option { return func(q *Queue) { q.owner = id } }

// WithClaimTTL bounds how long a claim survives a queue that stopped
// mid-replay. Default: 2m.
func WithClaimTTL(d time.Duration) Option { return func(q *Queue) { q.claimTTL = d } }

// WithSettleDelay sets how long a claim on a store without compare-and-swap
// waits for competing claims before checking who won. Default: 50ms.
func WithSettleDelay(d time.Duration) Option { return func(q *Queue) { q.settleDelay = d } }

// NewQueue creates a Queue replaying through exec. A nil exec yields a
// queue that only records operations.
func NewQueue(store kv.Store, exec Executor, opts ...Option) *Queue {
	q := &Queue{
		store:        store,
		exec:         exec,
		policy:       netretry.DefaultPolicy(),
		limits:       map[Priority]int{PriorityCritical: 5, PriorityNormal: 3, PriorityLow: 1},
		pollInterval: 30 * time.Second,
		owner:        uuid.NewString(),
		claimTTL:     2 * time.Minute,
		settleDelay:  50 * time.Millisecond,
		log:          slog.New(slog.DiscardHandler),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func opKey(id string) string { return session.SyncKeyPrefix + id }

func (q *Queue) online() bool { return q.conn == nil || q.conn.Online() }

// Enqueue persists a new operation with a temporary id.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any, priority Priority) (Operation, error) {
	limit, ok := q.limits[priority]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("offline: encode payload: %w", err)
	}
	op := Operation{
		ID:         TempIDPrefix + uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		Priority:   priority,
		CreatedAt:  q.now(),
		MaxRetries: limit,
	}
	if err := q.save(ctx, op); err != nil {
		return Operation{}, err
	}
	q.log.InfoContext(ctx, "offline.enqueue", slog.String("id", op.ID), slog.String("kind", kind), slog.String("priority", string(priority)))
	return op, nil
}

func (q *Queue) save(ctx context.Context, op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("offline: encode operation: %w", err)
	}
	if err := q.store.Set(ctx, opKey(op.ID), data); err != nil {
		return fmt.Errorf("offline: save %s: %w", op.ID, err)
	}
	return nil
}

// queued is an operation with the bytes it was read from.
type queued struct {
	op  Operation
	raw []byte
}

// Pending returns all queued operations in replay order.
func (q *Queue) Pending(ctx context.Context) ([]Operation, error) {
	items, err := q.pending(ctx)
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, len(items))
	for i, it := range items {
		ops[i] = it.op
	}
	return ops, nil
}

func (q *Queue) pending(ctx context.Context) ([]queued, error) {
	keys, err := q.store.Keys(ctx, session.SyncKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("offline: list: %w", err)
	}
	items := make([]queued, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := kv.GetValue(ctx, q.store, key)
		if err != nil {
			return nil, fmt.Errorf("offline: load %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var op Operation
		if err := json.Unmarshal(raw, &op); err != nil {
			q.log.WarnContext(ctx, "offline.drop_unreadable", slog.String("key", key), slog.String("err", err.Error()))
			_ = q.store.Delete(ctx, key)
			continue
		}
		items = append(items, queued{op: op, raw: raw})
	}
	slices.SortFunc(items, func(x, y queued) int {
		a, b := x.op, y.op
		if c := cmp.Compare(a.Priority.rank(), b.Priority.rank()); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return items, nil
}

// claim marks it as being replayed by this queue. It reports false when
// another queue changed, claimed or removed the operation first.
func (q *Queue) claim(ctx context.Context, it queued, now time.Time) (Operation, bool, error) {
	op := it.op
	op.ClaimedBy, op.ClaimedUntil = q.owner, now.Add(q.claimTTL)
	next, err := json.Marshal(op)
	if err != nil {
		return op, false, fmt.Errorf("offline: encode claim: %w", err)
	}
	if cas, ok := q.store.(kv.CompareAndSwapper); ok {
		swapped, err := cas.CompareAndSwap(ctx, opKey(op.ID), it.raw, next)
		if err != nil {
			return op, false, fmt.Errorf("offline: claim %s: %w", op.ID, err)
		}
		return op, swapped, nil
	}

	// Write, let concurrent claims land, then check who won.
	if err := q.store.Set(ctx, opKey(op.ID), next); err != nil {
		return op, false, fmt.Errorf("offline: claim %s: %w", op.ID, err)
	}
	select {
	case <-ctx.Done():
		return op, false, ctx.Err()
	case <-time.After(q.settleDelay):
	}
	after, ok, err := kv.GetValue(ctx, q.store, opKey(op.ID))
	if err != nil {
		return op, false, fmt.Errorf("offline: verify claim %s: %w", op.ID, err)
	}
	return op, ok && bytes.Equal(after, next), nil
}

// release clears this queue's claim and stores op.
func (q *Queue) release(ctx context.Context, op Operation) error {
	op.ClaimedBy, op.ClaimedUntil = "", time.Time{}
	return q.save(ctx, op)
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx, session.SyncKeyPrefix)
	return len(keys), err
}

// Remove drops an operation without replaying it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.Delete(ctx, opKey(id))
}

// Clear drops every queued operation.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	return kv.DeletePrefix(ctx, q.store, session.SyncKeyPrefix)
}

// Flush replays every due operation once. Passes in one process are
// serialized; across processes each operation is claimed before it runs,
// so exactly one queue replays it. A pass stops early when the executor
// reports the network is gone.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var res FlushResult
	if q.exec == nil {
		return res, ErrNoExecutor
	}
	if !q.online() {
		n, _ := q.Len(ctx)
		res.Remaining = n
		return res, netretry.ErrOffline
	}
	items, err := q.pending(ctx)
	if err != nil {
		return res, err
	}
	now := q.now()
	remaining := len(items)
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if it.op.claimedByOther(q.owner, now) {
			continue
		}
		if !it.op.NextRetryAt.IsZero() && it.op.NextRetryAt.After(now) {
			continue
		}
		op, claimed, err := q.claim(ctx, it, now)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if !claimed {
			q.log.DebugContext(ctx, "offline.claim_lost", slog.String("id", op.ID))
			continue
		}
		res.Attempted++
		err = q.exec.Execute(ctx, op)
		if err == nil {
			if derr := q.Remove(ctx, op.ID); derr != nil {
				res.Errors = append(res.Errors, derr.Error())
			}
			res.Succeeded++
			remaining--
			q.log.DebugContext(ctx, "offline.replayed", slog.String("id", op.ID), slog.String("kind", op.Kind))
			continue
		}
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", op.ID, err))
		if errors.Is(err, netretry.ErrOffline) {
			// Nothing else will get through; keep the attempt budget.
			if rerr := q.release(ctx, op); rerr != nil {
				res.Errors = append(res.Errors, rerr.Error())
			}
			break
		}
		op.Retries++
		op.LastError = err.Error()
		if op.Retries >= op.MaxRetries {
			if derr := q.Remove(ctx, op.ID); derr != nil {
				res.Errors = append(res.Errors, derr.Error())
			}
			res.Dropped++
			remaining--
			q.log.WarnContext(ctx, "offline.dropped", slog.String("id", op.ID), slog.Int("retries", op.Retries), slog.String("err", op.LastError))
			continue
		}
		op.NextRetryAt = now.Add(q.policy.ComputeDelay(op.Retries - 1))
		if serr := q.release(ctx, op); serr != nil {
			res.Errors = append(res.Errors, serr.Error())
		}
		res.Rescheduled++
	}
	res.Remaining = remaining
	if res.Attempted > 0 {
		q.log.InfoContext(ctx, "offline.flush",
			slog.Int("attempted", res.Attempted),
			slog.Int("succeeded", res.Succeeded),
			slog.Int("dropped", res.Dropped),
			slog.Int("remaining", res.Remaining))
	}
	return res, nil
}

// Run replays the queue whenever connectivity is restored and on every
// poll tick until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	var restored <-chan bool
	if q.conn != nil {
		ch, stop := q.conn.Subscribe()
		defer stop()
		restored = ch
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	flush := func(reason string) {
		if !q.online() {
			q.log.DebugContext(ctx, "offline.skip", slog.String("reason", reason))
			return
		}
		if _, err := q.Flush(ctx); err != nil && !errors.Is(err, netretry.ErrOffline) {
			q.log.WarnContext(ctx, "offline.flush_failed", slog.String("reason", reason), slog.String("err", err.Error()))
		}
	}
	flush("start")
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-restored:
			if online {
				flush("online")
			}
		case <-ticker.C:
			flush("poll")
		}
	}
}
