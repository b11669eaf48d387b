package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// AdmissionLimiter is the rate-limit façade contract the middleware needs.
type AdmissionLimiter interface {
	TryAcquire(ctx context.Context, key string, limit, windowSeconds int) bool
}

// KeyFunc derives the rate-limit key for a request. Callers should derive
// keys from a stable identity, e.g. "submit:<applicant>".
type KeyFunc func(r *http.Request) string

// RateLimit denies requests over the configured admission limit with a 429.
// A deny is a signal to retry later, not an error.
func RateLimit(limiter AdmissionLimiter, limit, windowSeconds int, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if !limiter.TryAcquire(r.Context(), key, limit, windowSeconds) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubmitKey keys submissions by client IP. The handler re-validates the
// applicant id; the limit only defends shared infrastructure.
func SubmitKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "submit:" + host
}
