package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/jio-gl/multiguard/pkg/api"
	"github.com/jio-gl/multiguard/pkg/limiter"
)

// RateLimitMiddleware enforces per-caller rate limiting at the HTTP layer.
// The key is the Principal's address, or the remote IP before identification.
// On rate limit exceeded, it returns 429 with a Retry-After header.
func RateLimitMiddleware(store limiter.Store, policy limiter.Policy) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := "ip:" + remoteIP(r)
			if caller, ok := Caller(r.Context()); ok {
				key = "caller:" + string(caller)
			}

			err := limiter.Check(r.Context(), store, key, policy)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, limiter.ErrLimited):
				retryAfter := 1
				if policy.RPM > 0 && 60/policy.RPM > 1 {
					retryAfter = 60 / policy.RPM
				}
				api.WriteTooManyRequests(w, retryAfter)
			default:
				// Fail open on limiter errors
				Logger(r.Context(), logger).Warn("rate limiter unavailable, allowing request", "error", err)
				next.ServeHTTP(w, r)
			}
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
