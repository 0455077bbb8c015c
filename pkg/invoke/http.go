package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// maxResponseBytes bounds the return data read from a webhook.
const maxResponseBytes = 1 << 20

// CallRequest is the JSON body POSTed to a webhook target.
type CallRequest struct {
	Target contracts.Address `json:"target"`
	Data   []byte            `json:"data"`
	Value  string            `json:"value"`
}

// HTTPInvoker delivers calls to one webhook endpoint. Outbound calls share a
// token-bucket limiter; a call waits for a token or fails when ctx ends.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithRateLimit allows rps calls per second with the given burst.
// A non-positive rps means unlimited.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(h *HTTPInvoker) {
		if rps <= 0 {
			h.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewHTTPInvoker(endpoint string, opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(rate.Inf, 0),
		logger:   slog.Default().With("component", "invoke.http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPInvoker) Invoke(ctx context.Context, target contracts.Address, data []byte, value *big.Int) ([]byte, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	amount := "0"
	if value != nil {
		amount = value.String()
	}
	body, err := json.Marshal(CallRequest{Target: target, Data: data, Value: amount})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.logger.WarnContext(ctx, "webhook call failed", "target", target, "status", resp.StatusCode)
		reason := strings.TrimSpace(string(out))
		if reason == "" {
			reason = resp.Status
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, reason)
	}
	return out, nil
}

// IsExecutable reports true: a configured webhook accepts any call.
func (h *HTTPInvoker) IsExecutable(ctx context.Context, target contracts.Address) (bool, error) {
	return h.endpoint != "", nil
}
