package coordinator

import (
	"github.com/ashureev/shsh-chat/internal/domain"
)

// State is the snapshot rendered by the presentation layer.
type State struct {
	Sessions        []*domain.Session                 `json:"sessions"`
	ActiveSessionID string                            `json:"active_session_id"`
	Status          domain.ManagerStatus              `json:"status"`
	Connections     map[string]domain.ConnectionState `json:"connections"`
}

// State returns the current snapshot.
func (c *Coordinator) State() State {
	sessions := c.registry.List()

	c.mu.Lock()
	states := make(map[string]domain.ConnectionState, len(c.conns))
	for id, conn := range c.conns {
		states[id] = conn.State()
	}
	active := c.activeID
	attempted := c.attempted
	c.mu.Unlock()

	return State{
		Sessions:        sessions,
		ActiveSessionID: active,
		Status:          Aggregate(active, states, attempted),
		Connections:     states,
	}
}

// Aggregate derives the manager status from connection states.
//
// The active session decides: Failed is error, Connecting or Reconnecting is
// connecting, anything else is connected unless a background connection has
// failed, which is degraded. Without an active connection the background
// connections decide the same way. Nothing attempted yet is disconnected.
func Aggregate(activeID string, states map[string]domain.ConnectionState, attempted bool) domain.ManagerStatus {
	if !attempted && len(states) == 0 {
		return domain.StatusDisconnected
	}

	backgroundFailed := false
	backgroundConnecting := false
	for id, s := range states {
		if id == activeID {
			continue
		}
		switch s {
		case domain.StateFailed:
			backgroundFailed = true
		case domain.StateConnecting, domain.StateReconnecting:
			backgroundConnecting = true
		}
	}

	if s, ok := states[activeID]; ok && activeID != "" {
		switch s {
		case domain.StateFailed:
			return domain.StatusError
		case domain.StateConnecting, domain.StateReconnecting:
			return domain.StatusConnecting
		}
		if backgroundFailed {
			return domain.StatusDegraded
		}
		return domain.StatusConnected
	}

	switch {
	case backgroundFailed:
		return domain.StatusDegraded
	case backgroundConnecting:
		return domain.StatusConnecting
	default:
		return domain.StatusConnected
	}
}

// Stats summarizes the coordinator for diagnostics.
type Stats struct {
	Sessions        int                  `json:"sessions"`
	MaxSessions     int                  `json:"max_sessions"`
	OpenStreams     int                  `json:"open_streams"`
	MaxStreams      int                  `json:"max_streams"`
	Connections     map[string]int       `json:"connections"`
	Suspended       int                  `json:"suspended"`
	Interrupted     int                  `json:"interrupted"`
	ActiveSessionID string               `json:"active_session_id"`
	Background      bool                 `json:"background"`
	Subscribers     int                  `json:"subscribers"`
	Status          domain.ManagerStatus `json:"status"`
}

// Stats returns counts of sessions and connections by state.
func (c *Coordinator) Stats() Stats {
	st := Stats{
		Sessions:    c.registry.Len(),
		MaxSessions: c.registry.Limit(),
		MaxStreams:  c.opts.MaxConcurrentStreams,
		Connections: make(map[string]int),
		Subscribers: c.SubscriberCount(),
	}

	c.mu.Lock()
	states := make(map[string]domain.ConnectionState, len(c.conns))
	for id, conn := range c.conns {
		s := conn.State()
		states[id] = s
		st.Connections[s.String()]++
		if occupied(s) {
			st.OpenStreams++
		}
	}
	st.Suspended = len(c.suspended)
	st.Interrupted = len(c.interrupted)
	st.ActiveSessionID = c.activeID
	st.Background = c.background
	st.Status = Aggregate(c.activeID, states, c.attempted)
	c.mu.Unlock()

	return st
}
