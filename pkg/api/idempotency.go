package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyHeader carries the client's retry key on mutating requests.
const IdempotencyHeader = "Idempotency-Key"

// CachedResponse stores a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Location    string    `json:"location,omitempty"`
	Body        []byte    `json:"body"`
	CachedAt    time.Time `json:"cached_at"`
}

// IdempotencyStore defines the interface for idempotency backends.
// Reserve claims key for one in-flight request; it reports false while
// another holder has it. Release drops the claim.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool, error)
	Set(ctx context.Context, key string, resp *CachedResponse) error
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// reservationTTL bounds how long a crashed request can hold a key.
const reservationTTL = 2 * time.Minute

// MemoryIdempotencyStore holds cached responses keyed by idempotency key.
// Expired entries are dropped lazily.
type MemoryIdempotencyStore struct {
	mu       sync.Mutex
	entries  map[string]*CachedResponse
	inflight map[string]struct{}
	ttl      time.Duration
	clock    func() time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries:  make(map[string]*CachedResponse),
		inflight: make(map[string]struct{}),
		ttl:      ttl,
		clock:    time.Now,
	}
}

// WithClock overrides the time source for testing.
func (s *MemoryIdempotencyStore) WithClock(clock func() time.Time) *MemoryIdempotencyStore {
	s.clock = clock
	return s
}

// Check returns a cached response if present and unexpired.
func (s *MemoryIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
	cached, ok := s.entries[key]
	return cached, ok, nil
}

// Set stores a response.
func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	cp.CachedAt = s.clock()
	s.entries[key] = &cp
	return nil
}

func (s *MemoryIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false, nil
	}
	s.inflight[key] = struct{}{}
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
	return nil
}

// RedisClient is the subset of go-redis used for idempotency.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisIdempotencyStore shares idempotency keys across replicas.
type RedisIdempotencyStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore stores entries under prefix with ttl.
func NewRedisIdempotencyStore(client RedisClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key string) (*CachedResponse, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return &resp, true, nil
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key string, resp *CachedResponse) error {
	cp := *resp
	cp.CachedAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("idempotency: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key+":lock", "1", reservationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: reserve %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key+":lock").Err(); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first successful response to a POST
// carrying an Idempotency-Key. scope namespaces keys, typically by caller,
// so two callers never share an entry. A retry that arrives while the first
// request is still running gets 409. Store errors fail open.
func IdempotencyMiddleware(store IdempotencyStore, scope func(*http.Request) string) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "idempotency")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if store == nil || r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if scope != nil {
				key = scope(r) + "|" + r.URL.Path + "|" + key
			}

			ctx := r.Context()
			if replay(ctx, w, store, key, logger) {
				return
			}
			reserved, err := store.Reserve(ctx, key)
			switch {
			case err != nil:
				logger.WarnContext(ctx, "idempotency reservation failed", "error", err)
			case !reserved:
				WriteErrorR(w, r, http.StatusConflict, "Conflict", "A request with this Idempotency-Key is still in progress")
				return
			default:
				defer func() {
					if err := store.Release(context.WithoutCancel(ctx), key); err != nil {
						logger.WarnContext(ctx, "idempotency release failed", "error", err)
					}
				}()
				// The first request may have finished between Check and Reserve.
				if replay(ctx, w, store, key, logger) {
					return
				}
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				err := store.Set(ctx, key, &CachedResponse{
					StatusCode:  capture.statusCode,
					ContentType: w.Header().Get("Content-Type"),
					Location:    w.Header().Get("Location"),
					Body:        capture.body.Bytes(),
				})
				if err != nil {
					logger.WarnContext(r.Context(), "idempotency store failed", "error", err)
				}
			}
		})
	}
}

// replay writes the cached response for key, if any.
func replay(ctx context.Context, w http.ResponseWriter, store IdempotencyStore, key string, logger *slog.Logger) bool {
	cached, ok, err := store.Check(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
	}
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", cached.ContentType)
	if cached.Location != "" {
		w.Header().Set("Location", cached.Location)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
	return true
}
