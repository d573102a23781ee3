package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/m1ndvortex/tabsync/session"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeSessionUpdate      Type = "session_update"
	TypeLogout             Type = "logout"
	TypeTabRegister        Type = "tab_register"
	TypeTabUnregister      Type = "tab_unregister"
	TypeConflictResolution Type = "conflict_resolution"
	TypeHeartbeat          Type = "heartbeat"
)

// ErrUnknownMessageType is returned when decoding a message whose type is not
// part of the closed set above.
var ErrUnknownMessageType = errors.New("bus: unknown message type")

// Payload is the closed union of message bodies. Only the types in this
// package implement it; receivers switch over them exhaustively.
type Payload interface {
	MessageType() Type
	sealed()
}

// SessionUpdate announces the sender's current session snapshot.
type SessionUpdate struct {
	Snapshot session.Snapshot `json:"snapshot"`
}

// Logout announces that the user logged out in the sender context.
type Logout struct {
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TabRegister announces a new live context.
type TabRegister struct {
	Tab session.TabInfo `json:"tab"`
}

// TabUnregister announces an orderly context shutdown.
type TabUnregister struct {
	ContextID string `json:"contextId"`
}

// ConflictResolution announces how the sender resolved a conflict.
type ConflictResolution struct {
	ConflictID   string           `json:"conflictId"`
	ConflictType string           `json:"conflictType"`
	Strategy     string           `json:"strategy"`
	Snapshot     session.Snapshot `json:"snapshot"`
}

// Heartbeat refreshes the sender's liveness.
type Heartbeat struct {
	Tab session.TabInfo `json:"tab"`
}

func (SessionUpdate) MessageType() Type      { return TypeSessionUpdate }
func (Logout) MessageType() Type             { return TypeLogout }
func (TabRegister) MessageType() Type        { return TypeTabRegister }
func (TabUnregister) MessageType() Type      { return TypeTabUnregister }
func (ConflictResolution) MessageType() Type { return TypeConflictResolution }
func (Heartbeat) MessageType() Type          { return TypeHeartbeat }

func (SessionUpdate) sealed()      {}
func (Logout) sealed()             {}
func (TabRegister) sealed()        {}
func (TabUnregister) sealed()      {}
func (ConflictResolution) sealed() {}
func (Heartbeat) sealed()          {}

// Message is the envelope broadcast between contexts:
// {type, data, contextId, timestamp, sessionId}. ID is used for duplicate
// suppression only.
type Message struct {
	ID        string
	ContextID string
	Timestamp time.Time
	SessionID string
	Payload   Payload
}

// Type returns the discriminator of the carried payload.
func (m Message) Type() Type {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.MessageType()
}

type wireMessage struct {
	ID        string          `json:"id,omitempty"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	ContextID string          `json:"contextId"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"sessionId,omitempty"`
}

// MarshalJSON encodes the envelope with a type discriminator.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("bus: message has no payload")
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		ID:        m.ID,
		Type:      m.Payload.MessageType(),
		Data:      data,
		ContextID: m.ContextID,
		Timestamp: m.Timestamp.UnixMilli(),
		SessionID: m.SessionID,
	})
}

// UnmarshalJSON decodes the envelope and its payload variant.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return err
	}
	*m = Message{
		ID:        w.ID,
		ContextID: w.ContextID,
		Timestamp: time.UnixMilli(w.Timestamp),
		SessionID: w.SessionID,
		Payload:   p,
	}
	return nil
}

func decodePayload(t Type, data json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeSessionUpdate:
		p = &SessionUpdate{}
	case TypeLogout:
		p = &Logout{}
	case TypeTabRegister:
		p = &TabRegister{}
	case TypeTabUnregister:
		p = &TabUnregister{}
	case TypeConflictResolution:
		p = &ConflictResolution{}
	case TypeHeartbeat:
		p = &Heartbeat{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, t)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("bus: decode %s payload: %w", t, err)
		}
	}
	return deref(p), nil
}

// deref turns the pointer used for decoding back into the value variant so
// receivers only ever switch over value types.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SessionUpdate:
		return *v
	case *Logout:
		return *v
	case *TabRegister:
		return *v
	case *TabUnregister:
		return *v
	case *ConflictResolution:
		return *v
	case *Heartbeat:
		return *v
	}
	return p
}

// Encode is a convenience around json.Marshal.
func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

// Decode is a convenience around json.Unmarshal.
func Decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}
