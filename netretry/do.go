package netretry

import (
	"context"
	"log/slog"
	"time"
)

// Retrier runs operations under a Policy.
type Retrier struct {
	policy     Policy
	classifier *Classifier
	log        *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Retrier) { r.log = l }
}

// WithClassifier sets the classifier used for failures.
func WithClassifier(c *Classifier) Option {
	return func(r *Retrier) { r.classifier = c }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

// NewRetrier creates a Retrier.
func NewRetrier(p Policy, opts ...Option) *Retrier {
	r := &Retrier{
		policy:     p.withDefaults(),
		classifier: NewClassifier(nil),
		log:        slog.New(slog.DiscardHandler),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Classifier returns the classifier in use.
func (r *Retrier) Classifier() *Classifier { return r.classifier }

// Do runs fn, retrying while ShouldRetry allows. Each failure increments
// the error's RetryCount, so with MaxRetries=3 the third consecutive failure
// is surfaced with RetryCount=3 and no fourth attempt is made.
func (r *Retrier) Do(ctx context.Context, req Request, fn func(ctx context.Context) error) error {
	failures := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		failures++
		nerr := r.classifier.Wrap(err, req)
		nerr.RetryCount = failures
		if ctx.Err() != nil || !r.policy.ShouldRetry(nerr, 0) {
			return nerr
		}
		delay := r.policy.ComputeDelay(failures - 1)
		r.log.DebugContext(ctx, "netretry.retry",
			slog.String("type", string(nerr.Type)),
			slog.Int("attempt", failures+1),
			slog.Duration("delay", delay),
			slog.String("url", req.URL))
		if err := r.sleep(ctx, delay); err != nil {
			return nerr
		}
	}
}

// Do runs fn under the default policy.
func Do(ctx context.Context, req Request, fn func(ctx context.Context) error) error {
	return NewRetrier(DefaultPolicy()).Do(ctx, req, fn)
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
