package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashureev/shsh-chat/internal/domain"
)

// Send appends a user turn and starts streaming the response. It returns
// once the connection is handed off; the response arrives asynchronously.
func (c *Coordinator) Send(ctx context.Context, sessionID, query string) (domain.Message, error) {
	sess, ok := c.registry.Get(sessionID)
	if !ok {
		c.refreshAsync()
		return domain.Message{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	c.mu.Lock()
	buf, err := c.liveBufferLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return domain.Message{}, err
	}
	if err := c.admitLocked(sessionID); err != nil {
		c.mu.Unlock()
		return domain.Message{}, err
	}
	dangling, hadDangling := buf.InProgress()
	msg := buf.AppendUserMessage(query)
	conn := c.reserveLocked(sessionID)
	c.mu.Unlock()

	if hadDangling {
		if sealed, ok := buf.Get(dangling.ID); ok {
			c.saveMessage(ctx, sealed)
		}
	}
	c.saveMessage(ctx, msg)
	c.record(sessionID, msg)

	// Session metadata is settled before the stream can report a failure.
	if err := c.registry.Touch(sessionID); err != nil {
		c.logger.Warn("Session vanished during send", "session_id", sessionID, "error", err)
	}
	count := buf.Len()
	if err := c.registry.Update(ctx, sessionID, func(s *domain.Session) {
		s.MessageCount = count
		s.Status = domain.SessionActive
	}); err != nil {
		c.logger.Debug("Session metadata not updated after send", "session_id", sessionID, "error", err)
	}

	if err := c.open(sessionID, conn, query, sess.WorkingDirectory); err != nil {
		return domain.Message{}, err
	}

	c.logger.Info("Query sent", "session_id", sessionID, "message_id", msg.ID, "sequence", msg.Sequence)
	c.publish(Event{Type: EventMessage, SessionID: sessionID, Message: &msg})
	c.publishState()
	return msg, nil
}

// admitLocked applies the one-query-per-session rule and the stream ceiling.
func (c *Coordinator) admitLocked(sessionID string) error {
	if conn, ok := c.conns[sessionID]; ok && occupied(conn.State()) {
		return fmt.Errorf("session %s is %s: %w", sessionID, conn.State(), domain.ErrSessionBusy)
	}
	if open := c.openStreamsLocked(); open >= c.opts.MaxConcurrentStreams {
		return fmt.Errorf("%w: %d of %d streams open", domain.ErrTooManyConcurrentStreams, open, c.opts.MaxConcurrentStreams)
	}
	return nil
}

// occupied reports whether a connection holds its session's query slot.
// An idle connection in the map is one whose Open is still in progress.
func occupied(s domain.ConnectionState) bool {
	return s.Busy() || s == domain.StateIdle
}

// reserveLocked installs a fresh connection for the session. The caller
// opens it after releasing c.mu, since Open notifies the observer.
func (c *Coordinator) reserveLocked(sessionID string) Conn {
	buf := c.bufferLocked(sessionID)
	conn := c.opts.NewConnection(sessionID, buf, observer{c})
	c.conns[sessionID] = conn
	delete(c.suspended, sessionID)
	c.attempted = true
	return conn
}

func (c *Coordinator) open(sessionID string, conn Conn, query, workingDirectory string) error {
	if err := conn.Open(query, workingDirectory); err != nil {
		c.mu.Lock()
		if c.conns[sessionID] == conn {
			delete(c.conns, sessionID)
		}
		c.mu.Unlock()
		return fmt.Errorf("open stream: %w", err)
	}
	return nil
}

func (c *Coordinator) openStreamsLocked() int {
	n := 0
	for _, conn := range c.conns {
		if occupied(conn.State()) {
			n++
		}
	}
	return n
}

// Cancel stops the session's in-flight query. Partial content is kept.
func (c *Coordinator) Cancel(sessionID string) error {
	if _, ok := c.registry.Get(sessionID); !ok {
		c.refreshAsync()
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	c.mu.Lock()
	conn := c.conns[sessionID]
	delete(c.suspended, sessionID)
	c.mu.Unlock()

	if conn == nil || conn.State().Terminal() {
		return nil
	}
	conn.Cancel()
	c.publishState()
	return nil
}

// Interrupted lists messages that were still in progress when the process
// last stopped and have not been resolved.
func (c *Coordinator) Interrupted() []domain.Message {
	c.mu.Lock()
	out := make([]domain.Message, 0, len(c.interrupted))
	for _, m := range c.interrupted {
		out = append(out, m)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// ResolveInterrupted settles an interrupted message. Without retry the
// message is sealed as interrupted. With retry it is superseded and the
// preceding user query is streamed again.
func (c *Coordinator) ResolveInterrupted(ctx context.Context, sessionID, messageID string, retry bool) error {
	sess, ok := c.registry.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}

	c.mu.Lock()
	m, ok := c.interrupted[messageID]
	if !ok || m.SessionID != sessionID {
		c.mu.Unlock()
		return fmt.Errorf("interrupted message %s: %w", messageID, domain.ErrNotFound)
	}
	buf, err := c.liveBufferLocked(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	var query string
	if retry {
		if err := c.admitLocked(sessionID); err != nil {
			c.mu.Unlock()
			return err
		}
		user, ok := buf.LastUserMessage()
		if !ok || user.Sequence > m.Sequence {
			c.mu.Unlock()
			return fmt.Errorf("no query precedes message %s: %w", messageID, domain.ErrNotFound)
		}
		query = user.Content
		if err := buf.Supersede(messageID); err != nil {
			c.mu.Unlock()
			return err
		}
	} else if err := buf.MarkInterrupted(messageID); err != nil {
		c.mu.Unlock()
		return err
	}
	delete(c.interrupted, messageID)

	var conn Conn
	if retry {
		conn = c.reserveLocked(sessionID)
	}
	c.mu.Unlock()

	var openErr error
	if conn != nil {
		openErr = c.open(sessionID, conn, query, sess.WorkingDirectory)
	}

	if sealed, ok := buf.Get(messageID); ok {
		c.saveMessage(ctx, sealed)
		c.record(sessionID, sealed)
		c.publish(Event{Type: EventMessage, SessionID: sessionID, Message: &sealed})
	}
	c.logger.Info("Interrupted message resolved", "session_id", sessionID, "message_id", messageID, "retry", retry)
	c.publishState()
	return openErr
}

func (c *Coordinator) saveMessage(ctx context.Context, msg domain.Message) {
	if err := c.persist.SaveMessage(ctx, msg); err != nil {
		c.logger.Warn("Message not persisted", "session_id", msg.SessionID, "message_id", msg.ID, "error", err)
	}
}

func (c *Coordinator) record(sessionID string, msg domain.Message) {
	if c.opts.Transcript != nil && msg.IsComplete() {
		c.opts.Transcript.Record(sessionID, msg)
	}
}
