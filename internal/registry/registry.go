// Package registry is the in-memory index of sessions. It enforces the
// session ceiling, orders sessions by recency and writes metadata through
// the persistence adapter.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// DefaultMaxSessions is the session ceiling used when none is configured.
const DefaultMaxSessions = 10

// Persister is the durable side of the registry. Session writes are
// synchronous, touches are coalesced by the implementation.
type Persister interface {
	SaveSession(ctx context.Context, session *domain.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	TouchSession(sessionID string, at time.Time)
}

// DeleteHook runs after a session is removed from the index.
type DeleteHook func(sessionID string)

// Registry owns the set of sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	hooks    []DeleteHook

	limit   int
	persist Persister
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty registry holding at most limit sessions.
func New(limit int, persist Persister, logger *slog.Logger) *Registry {
	if limit <= 0 {
		limit = DefaultMaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*domain.Session),
		limit:    limit,
		persist:  persist,
		logger:   logger,
		now:      time.Now,
	}
}

// OnDelete registers a hook that runs after every successful Delete.
func (r *Registry) OnDelete(hook DeleteHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Limit returns the session ceiling.
func (r *Registry) Limit() int { return r.limit }

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CheckCapacity reports ErrCapacityExceeded when no slot is free.
func (r *Registry) CheckCapacity() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkCapacityLocked()
}

func (r *Registry) checkCapacityLocked() error {
	if len(r.sessions) >= r.limit {
		return fmt.Errorf("%w: %d of %d sessions in use", domain.ErrCapacityExceeded, len(r.sessions), r.limit)
	}
	return nil
}

// Create registers a new session under a server-assigned id.
func (r *Registry) Create(ctx context.Context, id, name, workingDirectory string) (*domain.Session, error) {
	if id == "" {
		return nil, errors.New("session id is required")
	}
	now := r.now()
	return r.insert(ctx, &domain.Session{
		ID:               id,
		Name:             name,
		WorkingDirectory: workingDirectory,
		Status:           domain.SessionActive,
		LastActiveAt:     now,
		CreatedAt:        now,
	})
}

// Add imports an existing session, for example one only the backend knows.
func (r *Registry) Add(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session id is required")
	}
	s := session.Clone()
	if !s.Status.Valid() {
		s.Status = domain.SessionActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now()
	}
	if s.LastActiveAt.IsZero() {
		s.LastActiveAt = s.CreatedAt
	}
	_, err := r.insert(ctx, s)
	return err
}

func (r *Registry) insert(ctx context.Context, s *domain.Session) (*domain.Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s already registered", s.ID)
	}
	if err := r.checkCapacityLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.sessions[s.ID] = s
	out := s.Clone()
	r.mu.Unlock()

	r.save(ctx, out)
	r.logger.Info("Session registered", "session_id", s.ID, "name", s.Name, "sessions", r.Len())
	return out, nil
}

// Load replaces the index with sessions restored from durable storage.
// Nothing is written back. Sessions above the ceiling are kept and only
// block further creation.
func (r *Registry) Load(sessions []*domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*domain.Session, len(sessions))
	for _, s := range sessions {
		if s == nil || s.ID == "" {
			continue
		}
		r.sessions[s.ID] = s.Clone()
	}
	if len(r.sessions) > r.limit {
		r.logger.Warn("Restored more sessions than the configured ceiling",
			"sessions", len(r.sessions),
			"limit", r.limit)
	}
}

// Get returns a copy of the session, or false.
func (r *Registry) Get(id string) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// List returns copies of all sessions, most recently active first.
func (r *Registry) List() []*domain.Session {
	r.mu.RLock()
	out := make([]*domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes a session and its persisted messages, then runs the
// delete hooks so open connections are closed.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	delete(r.sessions, id)
	hooks := append([]DeleteHook(nil), r.hooks...)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(id)
	}
	if r.persist != nil {
		if err := r.persist.DeleteSession(ctx, id); err != nil {
			r.logger.Warn("Session removed but durable delete failed", "session_id", id, "error", err)
		}
	}
	r.logger.Info("Session deleted", "session_id", id)
	return nil
}

// Touch moves lastActiveAt forward to now. The durable write is coalesced.
func (r *Registry) Touch(id string) error {
	now := r.now()
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if now.After(s.LastActiveAt) {
		s.LastActiveAt = now
	}
	at := s.LastActiveAt
	r.mu.Unlock()

	if r.persist != nil {
		r.persist.TouchSession(id, at)
	}
	return nil
}

// SetStatus changes the session status and writes it through.
func (r *Registry) SetStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}
	return r.Update(ctx, id, func(s *domain.Session) {
		s.Status = status
	})
}

// Update applies fn to the session and writes the result through. The id
// cannot be changed and lastActiveAt never moves backwards.
func (r *Registry) Update(ctx context.Context, id string, fn func(*domain.Session)) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	prev := *s
	fn(s)
	s.ID = prev.ID
	if s.LastActiveAt.Before(prev.LastActiveAt) {
		s.LastActiveAt = prev.LastActiveAt
	}
	if !s.Status.Valid() {
		s.Status = prev.Status
	}
	changed := *s != prev
	out := s.Clone()
	r.mu.Unlock()

	if changed {
		r.save(ctx, out)
	}
	return nil
}

// save writes session metadata through. Failures are warnings: the
// in-memory index stays authoritative.
func (r *Registry) save(ctx context.Context, s *domain.Session) {
	if r.persist == nil {
		return
	}
	if err := r.persist.SaveSession(ctx, s); err != nil {
		r.logger.Warn("Session metadata not persisted", "session_id", s.ID, "error", err)
	}
}
