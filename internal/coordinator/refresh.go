package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/shsh-chat/internal/backend"
	"github.com/ashureev/shsh-chat/internal/domain"
)

const refreshTimeout = 30 * time.Second

// RefreshResult counts what a reconciliation changed.
type RefreshResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"`
}

// Refresh reconciles the local registry with the backend's session list.
// The backend is authoritative: remote metadata wins, remote-only sessions
// are imported while capacity allows, and local sessions the backend no
// longer knows are removed. Concurrent calls share one backend request.
func (c *Coordinator) Refresh(ctx context.Context) (RefreshResult, error) {
	v, err, shared := c.refresh.Do("refresh", func() (any, error) {
		return c.reconcile(ctx)
	})
	if err != nil {
		return RefreshResult{}, err
	}
	if shared {
		c.logger.Debug("Joined in-flight session refresh")
	}
	return v.(RefreshResult), nil
}

// reconcile holds membershipMu from the list request until the last local
// change, so a session created or deleted meanwhile is not mistaken for
// stale state.
func (c *Coordinator) reconcile(ctx context.Context) (RefreshResult, error) {
	c.membershipMu.Lock()
	defer c.membershipMu.Unlock()

	var res RefreshResult
	remote, err := c.svc.ListSessions(ctx)
	if err != nil {
		return res, err
	}

	seen := make(map[string]struct{}, len(remote))
	for _, rs := range remote {
		if rs.ID == "" {
			continue
		}
		seen[rs.ID] = struct{}{}

		if _, ok := c.registry.Get(rs.ID); ok {
			changed := false
			err := c.registry.Update(ctx, rs.ID, func(s *domain.Session) {
				before := *s
				mergeRemote(s, rs)
				changed = *s != before
			})
			if err == nil && changed {
				res.Updated++
			}
			continue
		}

		s := &domain.Session{ID: rs.ID, Status: domain.SessionActive}
		mergeRemote(s, rs)
		if err := c.registry.Add(ctx, s); err != nil {
			if errors.Is(err, domain.ErrCapacityExceeded) {
				res.Skipped++
				c.logger.Warn("Remote session not imported, capacity reached", "session_id", rs.ID)
				continue
			}
			return res, err
		}
		c.mu.Lock()
		c.bufferLocked(rs.ID)
		c.mu.Unlock()
		res.Added++
	}

	for _, s := range c.registry.List() {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		if err := c.registry.Delete(ctx, s.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return res, err
		}
		res.Removed++
	}

	c.logger.Info("Sessions reconciled with backend",
		"remote", len(remote),
		"added", res.Added,
		"updated", res.Updated,
		"removed", res.Removed,
		"skipped", res.Skipped,
	)
	c.publishState()
	return res, nil
}

func mergeRemote(s *domain.Session, rs backend.RemoteSession) {
	if rs.Name != "" {
		s.Name = rs.Name
	}
	if rs.WorkingDirectory != "" {
		s.WorkingDirectory = rs.WorkingDirectory
	}
	if st := domain.SessionStatus(rs.Status); st.Valid() {
		s.Status = st
	}
	if rs.MessageCount > s.MessageCount {
		s.MessageCount = rs.MessageCount
	}
	if rs.LastActiveAt.After(s.LastActiveAt) {
		s.LastActiveAt = rs.LastActiveAt
	}
}

// refreshAsync reconciles in the background after a stale reference was
// detected.
func (c *Coordinator) refreshAsync() {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, refreshTimeout)
		defer cancel()
		if _, err := c.Refresh(ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("Background session refresh failed", "error", err)
		}
	}()
}
