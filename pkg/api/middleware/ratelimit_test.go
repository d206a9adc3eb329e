package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fademem/fademem/config"
)

func TestRateLimit(t *testing.T) {
	h := RateLimit(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2})(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	do := func(addr, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("10.0.0.1:5000", "/api/v1/stats"); code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, code)
		}
	}
	if code := do("10.0.0.1:5001", "/api/v1/stats"); code != http.StatusTooManyRequests {
		t.Errorf("third request: status = %d, want 429", code)
	}
	if code := do("10.0.0.2:5000", "/api/v1/stats"); code != http.StatusOK {
		t.Errorf("other client: status = %d", code)
	}
	if code := do("10.0.0.1:5002", "/health"); code != http.StatusOK {
		t.Errorf("health: status = %d", code)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	base := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	h := RateLimit(config.RateLimitConfig{})(base)
	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	}
}
