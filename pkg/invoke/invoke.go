// Package invoke delivers Transaction proposals to their external targets.
//
// A target is executable when some Invoker will accept calls for it; the
// engine checks this at proposal creation and calls Invoke at execution.
package invoke

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// Invoker performs an external call on behalf of an executed proposal.
// A failed call returns an error; the engine reports it as
// contracts.ErrExternalCallFailed and rolls the execution back.
type Invoker interface {
	Invoke(ctx context.Context, target contracts.Address, data []byte, value *big.Int) ([]byte, error)
	IsExecutable(ctx context.Context, target contracts.Address) (bool, error)
}

// Func adapts an in-process function to a single-target Invoker.
type Func func(ctx context.Context, data []byte, value *big.Int) ([]byte, error)

// Router dispatches calls to the Invoker registered for each target.
type Router struct {
	mu     sync.RWMutex
	routes map[contracts.Address]Invoker
}

func NewRouter() *Router {
	return &Router{routes: make(map[contracts.Address]Invoker)}
}

// Route sends calls for target to inv, replacing any earlier route.
func (r *Router) Route(target contracts.Address, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[target] = inv
}

// HandleFunc routes target to an in-process function.
func (r *Router) HandleFunc(target contracts.Address, fn Func) {
	r.Route(target, funcInvoker{target: target, fn: fn})
}

// Targets lists routed targets in lexical order.
func (r *Router) Targets() []contracts.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.Address, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) lookup(target contracts.Address) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.routes[target]
	return inv, ok
}

func (r *Router) Invoke(ctx context.Context, target contracts.Address, data []byte, value *big.Int) ([]byte, error) {
	inv, ok := r.lookup(target)
	if !ok {
		return nil, fmt.Errorf("%w: no route for %q", contracts.ErrInvalidTarget, target)
	}
	return inv.Invoke(ctx, target, data, value)
}

func (r *Router) IsExecutable(ctx context.Context, target contracts.Address) (bool, error) {
	inv, ok := r.lookup(target)
	if !ok {
		return false, nil
	}
	return inv.IsExecutable(ctx, target)
}

type funcInvoker struct {
	target contracts.Address
	fn     Func
}

func (f funcInvoker) Invoke(ctx context.Context, target contracts.Address, data []byte, value *big.Int) ([]byte, error) {
	return f.fn(ctx, data, value)
}

func (f funcInvoker) IsExecutable(ctx context.Context, target contracts.Address) (bool, error) {
	return target == f.target, nil
}
