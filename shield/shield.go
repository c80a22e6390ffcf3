// Package shield provides the HTTP middleware of the leakwatch API: HEAD
// handling, security headers, request tracing and per-client rate limiting.
//
// Usage:
//
//	rl := shield.NewRateLimiter(shield.RateLimitConfig{PerSecond: 20, Burst: 40}, "/v1/health")
//	for _, mw := range shield.DefaultAPIStack(rl) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the standard middleware stack.
// Order: HeadToGet → SecurityHeaders → TraceID → RateLimiter (when rl is non-nil).
func DefaultAPIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		TraceID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}

// HeadToGet converts HEAD requests to GET so routes registered with r.Get()
// answer HEAD too. net/http drops the body of HEAD responses.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

func withLogger(ctx context.Context, v any) context.Context {
	return context.WithValue(ctx, LoggerKey, v)
}
