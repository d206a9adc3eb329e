package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/fademem/fademem/config"
	"github.com/fademem/fademem/pkg/api/response"
)

// rateLimitClients bounds the number of per-client buckets kept in memory;
// the least recently seen client is evicted first.
const rateLimitClients = 4096

// RateLimit throttles each client, keyed by remote IP, with a token bucket.
// Health endpoints are never throttled.
func RateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled || cfg.RequestsPerSecond <= 0 {
			return next
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond) + 1
		}
		limiters, _ := lru.New[string, *rate.Limiter](rateLimitClients)
		limiterFor := func(key string) *rate.Limiter {
			if l, ok := limiters.Get(key); ok {
				return l
			}
			l := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
			if prev, ok, _ := limiters.PeekOrAdd(key, l); ok {
				return prev
			}
			return l
		}
		retryAfter := strconv.Itoa(max(1, int(1/cfg.RequestsPerSecond)))

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isHealthPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if !limiterFor(clientKey(r)).Allow() {
				w.Header().Set("Retry-After", retryAfter)
				response.Error(w, http.StatusTooManyRequests, response.ErrCodeTooManyRequests,
					"rate limit exceeded", GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
