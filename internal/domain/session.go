// Package domain holds the conversation model shared by every layer.
package domain

import (
	"time"
)

// SessionStatus is the user-visible lifecycle status of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
	SessionPaused    SessionStatus = "paused"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionError, SessionPaused:
		return true
	}
	return false
}

// Session is one conversation thread.
type Session struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	Status           SessionStatus `json:"status"`
	LastActiveAt     time.Time     `json:"last_active_at"`
	MessageCount     int           `json:"message_count"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Clone returns a copy that shares no state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
