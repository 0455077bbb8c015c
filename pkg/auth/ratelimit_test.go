package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jio-gl/multiguard/pkg/auth"
	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/limiter"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, caller string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/proposals", nil)
	if caller != "" {
		req = req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{ID: contracts.Address(caller)}))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_UnderLimit(t *testing.T) {
	store := limiter.NewMemory()
	h := auth.RateLimitMiddleware(store, limiter.Policy{RPM: 60, Burst: 10})(ok())
	assert.Equal(t, http.StatusOK, serve(h, "alice").Code)
}

func TestRateLimitMiddleware_OverLimitPerCaller(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := limiter.NewMemory().WithClock(func() time.Time { return now })
	h := auth.RateLimitMiddleware(store, limiter.Policy{RPM: 1, Burst: 1})(ok())

	assert.Equal(t, http.StatusOK, serve(h, "alice").Code)

	w := serve(h, "alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, serve(h, "bob").Code, "buckets are per caller")

	now = now.Add(2 * time.Minute)
	assert.Equal(t, http.StatusOK, serve(h, "alice").Code)
}

func TestRateLimitMiddleware_AnonymousKeyedByIP(t *testing.T) {
	h := auth.RateLimitMiddleware(limiter.NewMemory(), limiter.Policy{RPM: 1, Burst: 1})(ok())
	assert.Equal(t, http.StatusOK, serve(h, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, "").Code)
}

type brokenStore struct{}

func (brokenStore) Allow(ctx context.Context, key string, policy limiter.Policy, cost int) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	h := auth.RateLimitMiddleware(brokenStore{}, limiter.Policy{RPM: 1, Burst: 1})(ok())
	assert.Equal(t, http.StatusOK, serve(h, "alice").Code)

	h = auth.RateLimitMiddleware(nil, limiter.Policy{})(ok())
	assert.Equal(t, http.StatusOK, serve(h, "alice").Code)
}
