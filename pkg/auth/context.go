package auth

import (
	"context"
	"errors"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// ErrNoPrincipal is returned when no identity was attached to the request.
var ErrNoPrincipal = errors.New("no principal in context")

type contextKey string

const (
	principalKey contextKey = "principal"
)

// Principal is the identity a request acts as. It has already been
// authenticated upstream; this service only carries it.
type Principal struct {
	ID contracts.Address `json:"id"`
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.ID.IsZero() {
		return Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// Caller returns the caller address carried by ctx.
func Caller(ctx context.Context) (contracts.Address, bool) {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return "", false
	}
	return p.ID, true
}
