package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type recordedRequest struct {
	method, path, status string
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	active   int
	peak     int
}

func (f *fakeRecorder) RecordHTTPRequest(method, path, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{method, path, status})
}

func (f *fakeRecorder) IncActiveConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	f.peak = max(f.peak, f.active)
}

func (f *fakeRecorder) DecActiveConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
}

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	rec := &fakeRecorder{}
	r := chi.NewRouter()
	r.Use(Metrics(rec))
	r.Get("/api/v1/memories/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/metrics", func(http.ResponseWriter, *http.Request) {})

	for _, path := range []string{"/api/v1/memories/a1", "/api/v1/memories/b2", "/metrics"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if len(rec.requests) != 2 {
		t.Fatalf("recorded %d requests, want 2", len(rec.requests))
	}
	for _, got := range rec.requests {
		want := recordedRequest{"GET", "/api/v1/memories/{id}", "404"}
		if got != want {
			t.Errorf("recorded %+v, want %+v", got, want)
		}
	}
	if rec.active != 0 || rec.peak != 1 {
		t.Errorf("active = %d peak = %d", rec.active, rec.peak)
	}
}

func TestMetrics_RecordsPanics(t *testing.T) {
	rec := &fakeRecorder{}
	h := Metrics(rec)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	func() {
		defer func() { _ = recover() }()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	}()
	if len(rec.requests) != 1 || rec.requests[0].status != "500" || rec.requests[0].path != "unmatched" {
		t.Errorf("recorded %+v", rec.requests)
	}
}
