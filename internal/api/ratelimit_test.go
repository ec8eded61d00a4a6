package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, time.Hour, nil)
	defer rl.Stop()

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Error("third request inside the window should be rejected")
	}
	if !rl.Allow("b") {
		t.Error("other clients keep their own budget")
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, time.Hour, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	if rl.Len() != 2 {
		t.Fatalf("len = %d", rl.Len())
	}
	if n := rl.evict(time.Now().Add(30 * time.Minute)); n != 0 {
		t.Errorf("evicted %d before the window passed", n)
	}
	if n := rl.evict(time.Now().Add(2 * time.Hour)); n != 2 {
		t.Errorf("evicted %d, want 2", n)
	}
	if !rl.Allow("a") {
		t.Error("evicted client should start with a fresh budget")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()
	coord := newFakeCoordinator()
	rl := NewRateLimiter(1, time.Hour, nil)
	defer rl.Stop()
	r, _ := newTestRouter(t, coord, rl)

	if w := do(t, r, http.MethodPost, "/api/refresh", ""); w.Code != http.StatusOK {
		t.Fatalf("first refresh = %d", w.Code)
	}
	w := do(t, r, http.MethodPost, "/api/refresh", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second refresh = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("reads are not limited, got %d", rec.Code)
	}
}
