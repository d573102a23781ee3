// Package fallback runs an ordered chain of recovery strategies when an
// authentication operation fails.
package fallback

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/m1ndvortex/tabsync/session"
)

// Operation is the authentication operation that failed.
type Operation string

const (
	OpLogin    Operation = "login"
	OpValidate Operation = "validate"
	OpRefresh  Operation = "refresh"
	OpLogout   Operation = "logout"
	OpRequest  Operation = "request"
)

// Action tells the caller what to do next.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionRedirect Action = "redirect"
	ActionCache    Action = "cache"
	ActionOffline  Action = "offline"
	ActionManual   Action = "manual"
)

// AuthContext describes the failed operation.
type AuthContext struct {
	Operation               Operation
	Attempt                 int
	StatusCode              int
	Online                  bool
	HasRefreshToken         bool
	HasBackupSession        bool
	ConsecutiveServerErrors int
}

// Result is the outcome of the strategy that ran.
type Result struct {
	Success          bool             `json:"success"`
	Strategy         string           `json:"strategy,omitempty"`
	Action           Action           `json:"action"`
	NextAttemptDelay time.Duration    `json:"nextAttemptDelay,omitempty"`
	Message          string           `json:"message,omitempty"`
	Snapshot         session.Snapshot `json:"snapshot,omitzero"`
}

// Strategy is one link of the chain. Lower Priority runs first.
type Strategy struct {
	Name      string
	Priority  int
	Condition func(ctx context.Context, err error, ac AuthContext) bool
	Execute   func(ctx context.Context, err error, ac AuthContext) (Result, error)
}

// Execution records one strategy run.
type Execution struct {
	Strategy string        `json:"strategy"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	At       time.Time     `json:"at"`
}

// StrategyStats counts runs of one strategy.
type StrategyStats struct {
	Executions int `json:"executions"`
	Successes  int `json:"successes"`
}

// Stats summarizes all executions.
type Stats struct {
	Total       int                      `json:"total"`
	Succeeded   int                      `json:"succeeded"`
	SuccessRate float64                  `json:"successRate"`
	ByStrategy  map[string]StrategyStats `json:"byStrategy"`
}

// Chain executes the first matching strategy, one call at a time.
type Chain struct {
	log         *slog.Logger
	now         func() time.Time
	historySize int

	exec sync.Mutex

	mu         sync.Mutex
	strategies []Strategy
	history    []Execution
	stats      Stats
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option { return func(c *Chain) { c.log = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Chain) { c.now = now } }

// WithHistory bounds the execution history. Default: 100.
func WithHistory(n int) Option { return func(c *Chain) { c.historySize = n } }

// NewChain creates a chain from strategies.
func NewChain(strategies []Strategy, opts ...Option) *Chain {
	c := &Chain{
		log:         slog.New(slog.DiscardHandler),
		now:         time.Now,
		historySize: 100,
		stats:       Stats{ByStrategy: map[string]StrategyStats{}},
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, s := range strategies {
		c.Add(s)
	}
	return c
}

// Add inserts s keeping the chain sorted by priority. Strategies with
// equal priority keep insertion order.
func (c *Chain) Add(s Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, s)
	sort.SliceStable(c.strategies, func(i, j int) bool { return c.strategies[i].Priority < c.strategies[j].Priority })
}

// Strategies returns the strategy names in execution order.
func (c *Chain) Strategies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		out[i] = s.Name
	}
	return out
}

// Execute runs the first strategy whose condition matches err. Without a
// match the result asks for manual handling.
func (c *Chain) Execute(ctx context.Context, err error, ac AuthContext) Result {
	c.exec.Lock()
	defer c.exec.Unlock()

	c.mu.Lock()
	strategies := append([]Strategy(nil), c.strategies...)
	c.mu.Unlock()

	for _, s := range strategies {
		if s.Condition == nil || !s.Condition(ctx, err, ac) {
			continue
		}
		start := c.now()
		res, execErr := s.Execute(ctx, err, ac)
		res.Strategy = s.Name
		if execErr != nil {
			res.Success = false
			if res.Action == "" {
				res.Action = ActionManual
			}
			if res.Message == "" {
				res.Message = execErr.Error()
			}
		}
		c.record(Execution{Strategy: s.Name, Duration: c.now().Sub(start), Success: res.Success, At: start})
		c.log.InfoContext(ctx, "fallback.executed",
			slog.String("strategy", s.Name),
			slog.String("operation", string(ac.Operation)),
			slog.String("action", string(res.Action)),
			slog.Bool("success", res.Success))
		return res
	}
	c.log.WarnContext(ctx, "fallback.no_strategy", slog.String("operation", string(ac.Operation)), slog.Int("status", ac.StatusCode))
	return Result{Action: ActionManual, Message: "no fallback strategy applies"}
}

func (c *Chain) record(e Execution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, e)
	if over := len(c.history) - c.historySize; over > 0 {
		c.history = append([]Execution(nil), c.history[over:]...)
	}
	c.stats.Total++
	st := c.stats.ByStrategy[e.Strategy]
	st.Executions++
	if e.Success {
		c.stats.Succeeded++
		st.Successes++
	}
	c.stats.ByStrategy[e.Strategy] = st
}

// Stats returns a copy of the counters. SuccessRate is zero until the
// first execution.
func (c *Chain) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ByStrategy = maps.Clone(c.stats.ByStrategy)
	if s.Total > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(s.Total)
	}
	return s
}

// History returns recent executions, oldest first.
func (c *Chain) History() []Execution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Execution(nil), c.history...)
}
