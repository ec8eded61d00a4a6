package backend

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// HealthCache caches backend liveness for a short TTL and coalesces
// concurrent checks, so many reconnecting sessions cost a single request.
type HealthCache struct {
	svc   Service
	ttl   time.Duration
	group singleflight.Group

	mu      sync.Mutex
	checked time.Time
	lastErr error
}

// NewHealthCache wraps svc.Health.
func NewHealthCache(svc Service, ttl time.Duration) *HealthCache {
	return &HealthCache{svc: svc, ttl: ttl}
}

// Check returns the cached result when it is fresher than the TTL.
func (p *HealthCache) Check(ctx context.Context) error {
	p.mu.Lock()
	if !p.checked.IsZero() && time.Since(p.checked) < p.ttl {
		err := p.lastErr
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	_, err, _ := p.group.Do("health", func() (any, error) {
		err := p.svc.Health(ctx)
		p.mu.Lock()
		p.checked = time.Now()
		p.lastErr = err
		p.mu.Unlock()
		return nil, err
	})
	return err
}

// Invalidate forces the next Check to reach the backend.
func (p *HealthCache) Invalidate() {
	p.mu.Lock()
	p.checked = time.Time{}
	p.mu.Unlock()
}
