// Package session holds the data model shared by every component: the
// session snapshot exchanged between execution contexts, the per-context
// liveness record, and the reserved key layout in the shared store.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/m1ndvortex/tabsync/kv"
)

// Reserved key layout in the shared store.
const (
	KeyPrefix          = "tabsync:"
	SnapshotKey        = KeyPrefix + "session"
	BackupSnapshotKey  = KeyPrefix + "session-backup"
	RefreshTokenKey    = KeyPrefix + "refresh-token"
	TabKeyPrefix       = KeyPrefix + "tabs:"
	LockKeyPrefix      = KeyPrefix + "lock:"
	CacheKeyPrefix     = KeyPrefix + "cache:"
	CacheBackupPrefix  = KeyPrefix + "cache-backup:"
	SyncKeyPrefix      = KeyPrefix + "sync:"
	BusKeyPrefix       = KeyPrefix + "bus:"
	ConflictKeyPrefix  = KeyPrefix + "conflict:"
	DegradedSessionKey = KeyPrefix + "session-degraded"
)

// Snapshot is a point-in-time copy of one context's session state. It is
// exchanged by value; receivers must never alias a snapshot they did not
// create.
type Snapshot struct {
	SessionID     string            `json:"sessionId"`
	UserID        string            `json:"userId"`
	Token         string            `json:"token,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	LastActivity  time.Time         `json:"lastActivity"`
	IsActive      bool              `json:"isActive"`
	OriginContext string            `json:"originContext"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsZero reports whether s carries no session.
func (s Snapshot) IsZero() bool {
	return s.SessionID == "" && s.UserID == "" && s.Token == ""
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Metadata != nil {
		out.Metadata = maps.Clone(s.Metadata)
	}
	return out
}

// ValidAt reports whether the snapshot is active and unexpired at now. A
// zero ExpiresAt falls back to the token's own expiry when it is a JWT.
func (s Snapshot) ValidAt(now time.Time) bool {
	if !s.IsActive || s.IsZero() {
		return false
	}
	exp := s.ExpiresAt
	if exp.IsZero() {
		if tokExp, ok := TokenExpiry(s.Token); ok {
			exp = tokExp
		}
	}
	return exp.IsZero() || now.Before(exp)
}

// Equal compares two snapshots field by field.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.SessionID == o.SessionID &&
		s.UserID == o.UserID &&
		s.Token == o.Token &&
		s.ExpiresAt.Equal(o.ExpiresAt) &&
		s.LastActivity.Equal(o.LastActivity) &&
		s.IsActive == o.IsActive &&
		s.OriginContext == o.OriginContext &&
		maps.Equal(s.Metadata, o.Metadata)
}

// TabInfo is the liveness record of one execution context.
type TabInfo struct {
	ContextID string    `json:"contextId"`
	LastSeen  time.Time `json:"lastSeen"`
	IsActive  bool      `json:"isActive"`
	SessionID string    `json:"sessionId,omitempty"`
}

// Load reads the snapshot stored under key. A missing key yields a zero
// snapshot and ok=false.
func Load(ctx context.Context, store kv.Store, key string) (Snapshot, bool, error) {
	raw, ok, err := kv.GetValue(ctx, store, key)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return s, true, nil
}

// Save writes snap under key.
func Save(ctx context.Context, store kv.Store, key string, snap Snapshot, opts ...kv.Option) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return store.Set(ctx, key, raw, opts...)
}
