package netretry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// OnlineChecker reports the current connectivity state.
type OnlineChecker interface {
	Online() bool
}

// Classifier turns arbitrary errors into NetworkErrors.
type Classifier struct {
	conn OnlineChecker
	now  func() time.Time
}

// NewClassifier creates a classifier. conn may be nil, in which case the
// process is assumed online unless the error says otherwise.
func NewClassifier(conn OnlineChecker) *Classifier {
	return &Classifier{conn: conn, now: time.Now}
}

// Classify returns the failure class of err:
// offline if the connectivity source says so or err wraps ErrOffline;
// timeout for deadline/timeouts/aborts; server_error for statuses >= 500;
// connection_failed otherwise.
func (c *Classifier) Classify(err error) Type {
	if errors.Is(err, ErrOffline) || (c.conn != nil && !c.conn.Online()) {
		return TypeOffline
	}
	if isTimeout(err) {
		return TypeTimeout
	}
	if StatusCode(err) >= 500 {
		return TypeServerError
	}
	return TypeConnectionFailed
}

// Wrap classifies err into a NetworkError. An existing NetworkError in the
// chain is copied, so callers may update the result freely.
func (c *Classifier) Wrap(err error, req Request) *NetworkError {
	var ne *NetworkError
	if errors.As(err, &ne) {
		cp := *ne
		return &cp
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &NetworkError{
		Type:       c.Classify(err),
		Message:    msg,
		Timestamp:  c.now(),
		Request:    req,
		StatusCode: StatusCode(err),
		Err:        err,
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "abort")
}
