// Package netretry classifies failed network operations and decides whether
// and when to retry them.
package netretry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// Type is the network failure class.
type Type string

const (
	TypeTimeout          Type = "timeout"
	TypeOffline          Type = "offline"
	TypeServerError      Type = "server_error"
	TypeConnectionFailed Type = "connection_failed"
)

// Request describes the operation that failed. It is carried for logging
// and replay decisions only.
type Request struct {
	Method string
	URL    string
}

// NetworkError is a classified failure of a network operation.
type NetworkError struct {
	Type       Type
	Message    string
	Timestamp  time.Time
	RetryCount int
	Request    Request
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network %s (status %d, retries %d): %s", e.Type, e.StatusCode, e.RetryCount, e.Message)
	}
	return fmt.Sprintf("network %s (retries %d): %s", e.Type, e.RetryCount, e.Message)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError carries an HTTP status code from a completed response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// StatusCode extracts the HTTP status attached anywhere in err's chain.
// Zero means none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.StatusCode
	}
	return 0
}

// ErrOffline is the explicit offline signal. Wrap it to force the offline
// classification.
var ErrOffline = errors.New("netretry: offline")

// Policy holds the retry knobs.
type Policy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RetryableStatus map[int]bool
	// Jitter bounds the random delay added to every computed delay.
	Jitter time.Duration
}

// DefaultRetryableStatus lists the statuses worth retrying.
func DefaultRetryableStatus() map[int]bool {
	return map[int]bool{
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
	}
}

// DefaultPolicy returns the standard policy: 3 retries, 1s base doubling up
// to 30s, up to 1s jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2,
		RetryableStatus: DefaultRetryableStatus(),
		Jitter:          time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.RetryableStatus == nil {
		p.RetryableStatus = d.RetryableStatus
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// IsRetryableStatus reports whether status is in the retryable set.
func (p Policy) IsRetryableStatus(status int) bool {
	return p.withDefaults().RetryableStatus[status]
}

// BaseDelayFor is the jitter-free delay before retry n (0-based):
// min(BaseDelay * Multiplier^n, MaxDelay). It is non-decreasing in n.
func (p Policy) BaseDelayFor(n int) time.Duration {
	p = p.withDefaults()
	if n < 0 {
		n = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if math.IsInf(d, 0) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// ComputeDelay is BaseDelayFor(n) plus a random jitter in [0, Jitter).
func (p Policy) ComputeDelay(n int) time.Duration {
	base := p.BaseDelayFor(n)
	if p.Jitter <= 0 {
		return base
	}
	return base + rand.N(p.Jitter)
}

// ShouldRetry reports whether nerr deserves another attempt. A non-zero
// status overrides the error's own status.
func (p Policy) ShouldRetry(nerr *NetworkError, status int) bool {
	p = p.withDefaults()
	if nerr == nil {
		return false
	}
	if nerr.RetryCount >= p.MaxRetries {
		return false
	}
	if nerr.Type == TypeOffline {
		return false
	}
	if status == 0 {
		status = nerr.StatusCode
	}
	if status != 0 && !p.RetryableStatus[status] {
		return false
	}
	return true
}
