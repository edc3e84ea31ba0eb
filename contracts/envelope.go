package contracts

import (
	"time"

	"github.com/mohae/deepcopy"
)

// Envelope wraps a payload for dispatch
type Envelope struct {
	Type     string   `json:"type"`
	Metadata Metadata `json:"metadata"`
	Payload  any      `json:"payload,omitempty"`
}

// Metadata contains routing and correlation information
type Metadata struct {
	MessageID      string    `json:"messageId,omitempty"`
	Intent         Intent    `json:"intent,omitempty"`
	ReplyTo        string    `json:"replyTo,omitempty"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	DelayUntil     time.Time `json:"delayUntil,omitempty"`
	SentBy         string    `json:"sentBy,omitempty"`
	ReceivedBy     string    `json:"receivedBy,omitempty"`

	// Extra holds fields added by pipeline tasks. Values should be plain
	// data: unexported struct fields are not preserved by Clone.
	Extra map[string]any `json:"extra,omitempty"`
}

// NewEnvelope creates an envelope for the given type and payload
func NewEnvelope(messageType string, payload any) *Envelope {
	return &Envelope{
		Type:    messageType,
		Payload: payload,
	}
}

// Set stores a pipeline-defined metadata field
func (m *Metadata) Set(key string, value any) {
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = value
}

// Get returns a pipeline-defined metadata field
func (m *Metadata) Get(key string) (any, bool) {
	v, ok := m.Extra[key]
	return v, ok
}

// GetString returns a pipeline-defined metadata field as a string
func (m *Metadata) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Clone returns a copy of the metadata whose Extra map shares nothing with m
func (m Metadata) Clone() Metadata {
	c := m
	if m.Extra != nil {
		c.Extra = deepcopy.Copy(m.Extra).(map[string]any)
	}
	return c
}

// Clone copies the envelope with isolated metadata. The payload is shared.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Type:     e.Type,
		Metadata: e.Metadata.Clone(),
		Payload:  e.Payload,
	}
}

// Delay returns how long to wait before delivering the envelope
func (e *Envelope) Delay(now time.Time) time.Duration {
	if e.Metadata.DelayUntil.IsZero() {
		return 0
	}
	d := e.Metadata.DelayUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
