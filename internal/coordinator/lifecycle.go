package coordinator

import (
	"time"

	"github.com/ashureev/shsh-chat/internal/domain"
)

const defaultCleanupInterval = 5 * time.Minute

// EnterBackground suspends every open connection. Suspended connections
// keep their transport and buffered state.
func (c *Coordinator) EnterBackground() {
	c.mu.Lock()
	c.background = true
	var ids []string
	var conns []Conn
	for id, conn := range c.conns {
		if !conn.State().Busy() || c.suspended[id] {
			continue
		}
		c.suspended[id] = true
		ids = append(ids, id)
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for i, conn := range conns {
		conn.Suspend()
		c.setStatus(ids[i], domain.SessionPaused)
	}
	c.logger.Info("Entered background", "suspended", len(conns))
	c.publishState()
}

// EnterForeground resumes each suspended connection. A connection whose
// transport died while suspended moves to Reconnecting on its next read.
func (c *Coordinator) EnterForeground() {
	c.mu.Lock()
	c.background = false
	ids := make([]string, 0, len(c.suspended))
	conns := make([]Conn, 0, len(c.suspended))
	for id := range c.suspended {
		if conn, ok := c.conns[id]; ok {
			ids = append(ids, id)
			conns = append(conns, conn)
		}
		delete(c.suspended, id)
	}
	c.mu.Unlock()

	for i, conn := range conns {
		conn.Resume()
		if !conn.State().Terminal() {
			c.setStatus(ids[i], domain.SessionActive)
		}
	}
	c.logger.Info("Entered foreground", "resumed", len(conns))
	c.publishState()
}

func (c *Coordinator) startCleanupWorker() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		c.logger.Info("Idle session cleanup started", "interval", c.opts.CleanupInterval, "idle_timeout", c.opts.IdleTimeout)

		for {
			select {
			case <-ticker.C:
				c.cleanupIdle(time.Now())
			case <-c.ctx.Done():
				c.logger.Info("Idle session cleanup shutting down", "reason", c.ctx.Err())
				return
			}
		}
	}()
}

// cleanupIdle releases connections of sessions idle longer than the idle
// timeout. Sessions that are connecting, reconnecting or streaming are left
// alone.
func (c *Coordinator) cleanupIdle(now time.Time) int {
	var idle []Conn
	var ids []string
	for _, s := range c.registry.List() {
		if now.Sub(s.LastActiveAt) < c.opts.IdleTimeout {
			continue
		}
		c.mu.Lock()
		conn, ok := c.conns[s.ID]
		if ok {
			if occupied(conn.State()) {
				ok = false
			} else {
				delete(c.conns, s.ID)
				delete(c.suspended, s.ID)
			}
		}
		c.mu.Unlock()
		if ok {
			idle = append(idle, conn)
			ids = append(ids, s.ID)
		}
	}

	for i, conn := range idle {
		conn.Cancel()
		c.logger.Info("Released idle session connection", "session_id", ids[i])
	}
	if len(idle) > 0 {
		c.publishState()
	}
	return len(idle)
}
