package domain

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StreamingState tells whether an assistant message is still being built.
type StreamingState string

const (
	StreamingComplete   StreamingState = "complete"
	StreamingInProgress StreamingState = "inProgress"
)

// Message is one turn in a session.
type Message struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Sequence       int64          `json:"sequence"`
	StreamingState StreamingState `json:"streaming_state"`
	// Superseded marks a partial response replaced by a fresh one after a reconnect.
	Superseded bool `json:"superseded,omitempty"`
	// Interrupted marks a partial response that was still in progress when the
	// process stopped and has since been resolved as failed.
	Interrupted bool      `json:"interrupted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsComplete reports whether the message is sealed.
func (m *Message) IsComplete() bool {
	return m.StreamingState != StreamingInProgress
}
