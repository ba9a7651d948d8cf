// Package event decodes wire payloads into typed domain events and applies
// them to the local store.
package event

import (
	"encoding/json"
	"fmt"
)

// Payload is the wire shape of every incoming event: a string discriminant
// plus a flat set of optional fields. Which fields are required depends on
// the event type; the registry's decoders validate that.
type Payload struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id,omitempty"`

	CID         string `json:"cid,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
	UnreadCount int    `json:"unread_count,omitempty"`

	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
	Online   bool   `json:"online,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Reaction  string `json:"reaction,omitempty"`

	CreatedAt int64 `json:"created_at,omitempty"` // unix millis
}

// MissingFieldError names the absent required field and the event type that
// needed it.
type MissingFieldError struct {
	Field     string
	EventType string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("event %q: missing field %q", e.EventType, e.Field)
}

// UnknownEventError is returned for discriminants no decoder is registered
// for. Scoped reports whether the payload carried channel identity.
type UnknownEventError struct {
	Type string
	CID  string
}

func (e *UnknownEventError) Error() string {
	if e.CID == "" {
		return fmt.Sprintf("unknown user-scoped event %q", e.Type)
	}
	return fmt.Sprintf("unknown channel-scoped event %q (channel %s)", e.Type, e.CID)
}

// ParsePayload unmarshals a single raw payload.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Type == "" {
		return nil, &MissingFieldError{Field: "type", EventType: "(none)"}
	}
	return &p, nil
}
