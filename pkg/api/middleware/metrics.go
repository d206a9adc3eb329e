package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// MetricsRecorder receives HTTP request metrics.
type MetricsRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics records request counts, latencies and in-flight requests, labelled
// by route pattern so memory ids do not explode the series count.
func Metrics(rec MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/metrics") {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec.IncActiveConnections()
			defer rec.DecActiveConnections()

			sw := wrap(w)
			defer func() {
				if p := recover(); p != nil {
					rec.RecordHTTPRequest(r.Method, routePattern(r), "500", time.Since(start))
					panic(p)
				}
			}()
			next.ServeHTTP(sw, r)
			rec.RecordHTTPRequest(r.Method, routePattern(r), strconv.Itoa(sw.status), time.Since(start))
		})
	}
}

// routePattern returns the matched chi pattern, or "unmatched" for requests
// no route accepted.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := strings.TrimSpace(rc.RoutePattern()); p != "" {
			return p
		}
	}
	return "unmatched"
}
