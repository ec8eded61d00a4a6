package coordinator

import (
	"context"
	"errors"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// observer receives connection callbacks. It never holds c.mu while
// calling back into the registry or publishing.
type observer struct {
	c *Coordinator
}

func (o observer) StateChanged(sessionID string, from, to domain.ConnectionState, err error) {
	c := o.c
	ev := Event{Type: EventConnection, SessionID: sessionID, Connection: to.String()}
	if err != nil {
		ev.Error = err.Error()
	}
	c.publish(ev)

	switch to {
	case domain.StateFailed:
		if errors.Is(err, domain.ErrNotFound) {
			c.refreshAsync()
		}
		c.setStatus(sessionID, domain.SessionError)
	case domain.StateClosed:
		if from.Busy() {
			c.setStatus(sessionID, domain.SessionActive)
		}
	}
	c.publishState()
}

func (o observer) MessageUpdated(sessionID string, msg domain.Message) {
	c := o.c
	if err := c.registry.Touch(sessionID); err != nil {
		c.logger.Debug("Session not touched on message update", "session_id", sessionID, "error", err)
	}
	if msg.IsComplete() {
		c.record(sessionID, msg)
		c.mu.Lock()
		buf := c.buffers[sessionID]
		c.mu.Unlock()
		if buf != nil {
			count := buf.Len()
			if err := c.registry.Update(context.Background(), sessionID, func(s *domain.Session) {
				s.MessageCount = count
			}); err != nil {
				c.logger.Debug("Message count not updated", "session_id", sessionID, "error", err)
			}
		}
	}
	c.publish(Event{Type: EventMessage, SessionID: sessionID, Message: &msg})
}

func (c *Coordinator) setStatus(sessionID string, status domain.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := c.registry.SetStatus(ctx, sessionID, status); err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("Failed to update session status", "session_id", sessionID, "status", status, "error", err)
	}
}
