// Package conflict detects diverging session snapshots between execution
// contexts and resolves them.
package conflict

import (
	"maps"
	"time"

	"github.com/m1ndvortex/tabsync/session"
)

// Type classifies a conflict.
type Type string

const (
	TypeConcurrentLogin  Type = "concurrent_login"
	TypeTokenMismatch    Type = "token_mismatch"
	TypeSessionExpired   Type = "session_expired"
	TypeDuplicateSession Type = "duplicate_session"
)

// Strategy is how a conflict is resolved.
type Strategy string

const (
	KeepCurrent Strategy = "keep_current"
	UseIncoming Strategy = "use_incoming"
	Merge       Strategy = "merge"
	ForceReauth Strategy = "force_reauth"
	UserChoice  Strategy = "user_choice"
)

// ExpiryTolerance is the largest expiry difference not treated as a
// conflict.
const ExpiryTolerance = 60 * time.Second

// Resolution records the decision taken for a conflict. For UserChoice,
// UserChoice holds the strategy the user picked.
type Resolution struct {
	Strategy   Strategy  `json:"strategy"`
	AppliedAt  time.Time `json:"appliedAt"`
	UserChoice Strategy  `json:"userChoice,omitempty"`
}

// Effective returns the concrete strategy to apply.
func (r Resolution) Effective() Strategy {
	if r.Strategy == UserChoice {
		switch r.UserChoice {
		case KeepCurrent, UseIncoming, Merge, ForceReauth:
			return r.UserChoice
		}
		return KeepCurrent
	}
	if r.Strategy == "" {
		return KeepCurrent
	}
	return r.Strategy
}

// Conflict is a detected divergence between the local snapshot and an
// incoming one.
type Conflict struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	DetectedAt time.Time        `json:"detectedAt"`
	Current    session.Snapshot `json:"current"`
	Incoming   session.Snapshot `json:"incoming"`
	Resolved   bool             `json:"resolved"`
	Resolution *Resolution      `json:"resolution,omitempty"`
}

// Detect compares two snapshots. Rules are evaluated in order and the first
// match wins: same user with a different session, same user with differing
// tokens, expiries further apart than ExpiryTolerance, and finally two
// different active users.
func Detect(local, incoming session.Snapshot) (Type, bool) {
	if local.IsZero() || incoming.IsZero() {
		return "", false
	}
	sameUser := local.UserID == incoming.UserID
	if sameUser && local.SessionID != incoming.SessionID {
		return TypeConcurrentLogin, true
	}
	if sameUser && local.Token != "" && incoming.Token != "" && local.Token != incoming.Token {
		return TypeTokenMismatch, true
	}
	if !local.ExpiresAt.IsZero() && !incoming.ExpiresAt.IsZero() {
		diff := incoming.ExpiresAt.Sub(local.ExpiresAt)
		if diff < 0 {
			diff = -diff
		}
		if diff > ExpiryTolerance {
			return TypeSessionExpired, true
		}
	}
	if !sameUser && local.IsActive && incoming.IsActive {
		return TypeDuplicateSession, true
	}
	return "", false
}

// AutoStrategy is the resolution chosen without asking the user. It
// reports false for conflicts that need a user decision.
func AutoStrategy(c Conflict) (Strategy, bool) {
	switch c.Type {
	case TypeTokenMismatch, TypeSessionExpired:
		if c.Incoming.LastActivity.After(c.Current.LastActivity) {
			return UseIncoming, true
		}
		return KeepCurrent, true
	case TypeDuplicateSession:
		return ForceReauth, true
	case TypeConcurrentLogin:
		return "", false
	}
	return KeepCurrent, true
}

// Apply computes the snapshot that results from resolving c with r.
// Applying the same resolution twice yields the same state.
func Apply(c Conflict, r Resolution) session.Snapshot {
	switch r.Effective() {
	case UseIncoming:
		return c.Incoming.Clone()
	case Merge:
		return merge(c.Current, c.Incoming)
	case ForceReauth:
		return session.Snapshot{}
	default:
		return c.Current.Clone()
	}
}

// merge takes credentials from the snapshot with the newer activity, unions
// metadata with the newer side winning clashes and keeps the latest
// activity time. Ties favor the current snapshot.
func merge(current, incoming session.Snapshot) session.Snapshot {
	newer, older := current, incoming
	if incoming.LastActivity.After(current.LastActivity) {
		newer, older = incoming, current
	}
	out := newer.Clone()
	if len(older.Metadata) > 0 || len(newer.Metadata) > 0 {
		md := make(map[string]string, len(older.Metadata)+len(newer.Metadata))
		maps.Copy(md, older.Metadata)
		maps.Copy(md, newer.Metadata)
		out.Metadata = md
	}
	out.IsActive = current.IsActive || incoming.IsActive
	return out
}
