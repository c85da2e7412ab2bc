package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newLimitedHandler(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, http.Handler) {
	t.Helper()
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)
	return rl, rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.RemoteAddr = addr
	return req
}

func TestAuthRateLimiterConfig(t *testing.T) {
	cfg := AuthRateLimiterConfig(30)
	if cfg.Rate != 0.5 || cfg.Burst != 30 {
		t.Errorf("config = %+v, want 0.5 req/sec with burst 30", cfg)
	}
}

func TestRateLimiter_AllowsBurstThen429(t *testing.T) {
	_, handler := newLimitedHandler(t, RateLimiterConfig{Rate: 1, Burst: 3, CleanupInterval: time.Minute})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("192.0.2.1:1234"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("192.0.2.1:5678"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_IsPerClientIP(t *testing.T) {
	rl, handler := newLimitedHandler(t, RateLimiterConfig{Rate: 0.1, Burst: 1, CleanupInterval: time.Minute})

	for _, addr := range []string{"192.0.2.1:1000", "192.0.2.2:1000", "[2001:db8::1]:1000"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom(addr))
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", addr, w.Code)
		}
	}
	if rl.limiterCount() != 3 {
		t.Errorf("limiterCount = %d, want 3", rl.limiterCount())
	}
}

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl, handler := newLimitedHandler(t, RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Minute})
	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("192.0.2.1:1000"))

	rl.cleanup(time.Now())
	if rl.limiterCount() != 1 {
		t.Fatal("recently used entry should survive cleanup")
	}
	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.limiterCount() != 0 {
		t.Errorf("idle entry should be removed, count = %d", rl.limiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(AuthRateLimiterConfig(30))
	rl.Stop()
	rl.Stop()
}
