// Package protocol defines the websocket messages exchanged between the
// experiment server and participants.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lox/cprbargain/internal/experiment"
)

// MessageType identifies the type of message
type MessageType string

const (
	// Client -> Server
	TypeJoin    MessageType = "join"
	TypeSubmit  MessageType = "submit"
	TypeAdvance MessageType = "advance"

	// Server -> Client
	TypeWelcome         MessageType = "welcome"
	TypeStage           MessageType = "stage"
	TypeRejected        MessageType = "rejected"
	TypeSessionComplete MessageType = "session_complete"
	TypeError           MessageType = "error"
)

// Error codes carried by Error messages.
const (
	CodeBadRequest       = "bad_request"
	CodeNotJoined        = "not_joined"
	CodeAlreadyJoined    = "already_joined"
	CodeSessionFull      = "session_full"
	CodeWrongStage       = "wrong_stage"
	CodeAlreadySubmitted = "already_submitted"
	CodeSessionComplete  = "session_complete"
	CodeInternal         = "internal"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// Message is the envelope every frame is wrapped in.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage wraps data in an envelope stamped with now.
func NewMessage(t MessageType, data any, now time.Time) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t, err)
	}
	return &Message{Type: t, Data: raw, Timestamp: now}, nil
}

// Marshal encodes a message envelope.
func Marshal(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a message envelope.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Type == "" {
		return nil, ErrUnknownMessageType
	}
	return &m, nil
}

// Decode unpacks the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Client -> Server Messages

// Join is sent once after connecting.
type Join struct {
	Name string `json:"name"`
}

// Submit carries the values of a decision page keyed by field name.
type Submit struct {
	Values map[string]float64 `json:"values"`
}

// Advance leaves a feedback page.
type Advance struct{}

// Server -> Client Messages

// Welcome acknowledges a join.
type Welcome struct {
	PlayerID   int    `json:"player_id"`
	SessionID  string `json:"session_id,omitempty"`
	Population int    `json:"population"`
	Joined     int    `json:"joined"`
}

// Stage is sent whenever the participant's page changes.
type Stage struct {
	experiment.View
	Fields         []string  `json:"fields,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
	Deadline       time.Time `json:"deadline,omitzero"`
}

// Rejected reports a validation failure; the page stays open.
type Rejected struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// SessionComplete carries the end-of-session report.
type SessionComplete struct {
	Summary experiment.Summary `json:"summary"`
}

// Error reports a protocol or state error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
