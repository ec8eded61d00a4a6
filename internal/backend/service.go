// Package backend talks to the remote Conversation Service.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/shsh-chat/internal/stream"
)

// Service is the remote Conversation Service.
type Service interface {
	// CreateSession registers a new session and returns its server-assigned ID.
	CreateSession(ctx context.Context, name, workingDirectory string) (*RemoteSession, error)

	// ListSessions returns every session known to the backend.
	ListSessions(ctx context.Context) ([]RemoteSession, error)

	// DeleteSession removes a session. An unknown id yields domain.ErrNotFound.
	DeleteSession(ctx context.Context, id string) error

	// OpenStream sends a query and returns the response stream. The call
	// returns once the response headers arrived.
	OpenStream(ctx context.Context, sessionID string, req StreamRequest) (Stream, error)

	// Health returns nil when the backend is reachable and healthy.
	Health(ctx context.Context) error

	// Close releases transport resources.
	Close() error
}

// StreamRequest is one query sent to a session.
type StreamRequest struct {
	Query            string
	WorkingDirectory string
	// LastEventID is the last applied fragment sequence when re-issuing a
	// query after a dropped connection. Zero for a first attempt.
	LastEventID int64
}

// Stream is an open response stream.
type Stream interface {
	stream.Decoder
	// Resumed reports whether the backend continued the interrupted response
	// instead of starting a fresh one.
	Resumed() bool
	Close() error
}

// RemoteSession is the backend's view of a session.
type RemoteSession struct {
	ID               string
	Name             string
	Status           string
	WorkingDirectory string
	LastActiveAt     time.Time
	MessageCount     int
}

// wireSession decodes both the camelCase and snake_case session shapes.
type wireSession struct {
	SessionID        string    `json:"sessionId"`
	SessionIDSnake   string    `json:"session_id"`
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	SessionName      string    `json:"session_name"`
	Status           string    `json:"status"`
	WorkingDirectory string    `json:"workingDirectory"`
	WorkingDirSnake  string    `json:"working_directory"`
	LastActiveAt     timestamp `json:"lastActiveAt"`
	UpdatedAt        timestamp `json:"updated_at"`
	MessageCount     *int      `json:"messageCount"`
	MessageCountSn   *int      `json:"message_count"`
}

func (w wireSession) toRemote() RemoteSession {
	r := RemoteSession{
		ID:               firstNonEmpty(w.SessionID, w.SessionIDSnake, w.ID),
		Name:             firstNonEmpty(w.Name, w.SessionName),
		Status:           strings.ToLower(w.Status),
		WorkingDirectory: firstNonEmpty(w.WorkingDirectory, w.WorkingDirSnake),
		LastActiveAt:     time.Time(w.LastActiveAt),
	}
	if r.LastActiveAt.IsZero() {
		r.LastActiveAt = time.Time(w.UpdatedAt)
	}
	switch {
	case w.MessageCount != nil:
		r.MessageCount = *w.MessageCount
	case w.MessageCountSn != nil:
		r.MessageCount = *w.MessageCountSn
	}
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// timestamp accepts RFC 3339, naive ISO 8601 (treated as UTC) and unix
// seconds or milliseconds.
type timestamp time.Time

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			*t = timestamp(time.UnixMilli(n))
		} else {
			*t = timestamp(time.Unix(n, 0))
		}
		return nil
	}
	for _, layout := range isoLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*t = timestamp(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// errorBody extracts a readable message from a JSON error payload.
func errorBody(raw []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  any    `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
		if s, ok := payload.Detail.(string); ok {
			return s
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
