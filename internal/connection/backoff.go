package connection

import (
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/backoff"
)

// DefaultBackoff is the reconnect policy: base 1s, doubling, 20% jitter,
// capped at 30s.
var DefaultBackoff = backoff.Config{
	BaseDelay:  1 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
	MaxDelay:   30 * time.Second,
}

// delay returns the wait before reconnect attempt n (0-based). The result
// never exceeds MaxDelay.
func delay(cfg backoff.Config, n int, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	d := float64(cfg.BaseDelay)
	limit := float64(cfg.MaxDelay)
	for ; n > 0 && d < limit; n-- {
		d *= cfg.Multiplier
	}
	if d > limit {
		d = limit
	}
	d *= 1 + cfg.Jitter*(rnd()*2-1)
	if d > limit {
		d = limit
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
