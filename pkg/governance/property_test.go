//go:build property
// +build property

// Package governance_test contains property-based tests for the engine's
// registry, quorum and lifecycle invariants under random operation sequences.
package governance_test

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/governance"
	"github.com/jio-gl/multiguard/pkg/invoke"
)

var pool = []contracts.Address{"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7"}

type harness struct {
	e   *governance.Engine
	now time.Time
	// terminal records proposals seen in a terminal state and which flag was set.
	terminal map[uint64]contracts.ProposalStatus
}

func newHarness() (*harness, error) {
	h := &harness{
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		terminal: make(map[uint64]contracts.ProposalStatus),
	}
	router := invoke.NewRouter()
	router.HandleFunc("vault", func(ctx context.Context, data []byte, value *big.Int) ([]byte, error) {
		if value.Int64()%3 == 0 {
			return nil, fmt.Errorf("rejected")
		}
		return nil, nil
	})
	e, err := governance.Open(context.Background(), contracts.Genesis{
		Owners:            pool[:3],
		RequiredApprovals: 2,
		ProposalDeadline:  24 * time.Hour,
	}, governance.WithClock(func() time.Time { return h.now }), governance.WithInvoker(router))
	if err != nil {
		return nil, err
	}
	h.e = e
	return h, nil
}

// step decodes v into one operation. Errors are expected and ignored: the
// properties are about state, not about which operations succeed.
func (h *harness) step(ctx context.Context, v int) {
	op, actor, arg := v%8, pool[(v/8)%len(pool)], v/64
	count := h.e.ProposalCount(ctx)
	id := uint64(arg%(count+1) + 1)

	switch op {
	case 0:
		_, _ = h.e.Create(ctx, actor, contracts.AddOwner{Owner: pool[arg%len(pool)]})
	case 1:
		_, _ = h.e.Create(ctx, actor, contracts.RemoveOwner{Owner: pool[arg%len(pool)]})
	case 2:
		_, _ = h.e.Create(ctx, actor, contracts.ChangeRequiredApprovals{Required: arg%6 + 1})
	case 3:
		_, _ = h.e.Create(ctx, actor, contracts.Transaction{Target: "vault", Value: big.NewInt(int64(arg))})
	case 4:
		_, _ = h.e.Approve(ctx, actor, id)
	case 5:
		_, _ = h.e.Execute(ctx, actor, id)
	case 6:
		_, _ = h.e.Cancel(ctx, actor, id)
	case 7:
		if arg%5 == 0 {
			_, _ = h.e.Create(ctx, actor, contracts.Pause{Duration: contracts.Duration(time.Hour)})
			return
		}
		h.now = h.now.Add(time.Duration(arg%30) * time.Hour)
	}
}

func (h *harness) check(ctx context.Context) error {
	owners := h.e.ListOwners(ctx)
	required := h.e.Config(ctx).RequiredApprovals
	if required < 1 || required > len(owners) || len(owners) > contracts.MaxOwners {
		return fmt.Errorf("required=%d owners=%d", required, len(owners))
	}
	seen := make(map[contracts.Address]bool, len(owners))
	for _, o := range owners {
		if seen[o] {
			return fmt.Errorf("duplicate owner %s", o)
		}
		seen[o] = true
	}

	for _, p := range h.e.ListProposals(ctx, "") {
		if p.Executed && p.Cancelled {
			return fmt.Errorf("proposal %d both executed and cancelled", p.ID)
		}
		if prev, ok := h.terminal[p.ID]; ok {
			if (prev == contracts.StatusExecuted) != p.Executed || (prev == contracts.StatusCancelled) != p.Cancelled {
				return fmt.Errorf("proposal %d left terminal state %s", p.ID, prev)
			}
		}
		switch {
		case p.Executed:
			h.terminal[p.ID] = contracts.StatusExecuted
		case p.Cancelled:
			h.terminal[p.ID] = contracts.StatusCancelled
		}
		approved := make(map[contracts.Address]bool, len(p.Approvers))
		for _, a := range p.Approvers {
			if approved[a] {
				return fmt.Errorf("proposal %d approved twice by %s", p.ID, a)
			}
			approved[a] = true
		}
		if len(p.Approvers) == 0 || p.Approvers[0] != p.Proposer {
			return fmt.Errorf("proposal %d: proposer %s is not the first approver", p.ID, p.Proposer)
		}
	}
	return nil
}

// TestGovernanceInvariants drives random operation sequences.
// Property: 1 <= required <= |owners| <= 50, owners unique, terminal flags
// exclusive and permanent, approvers unique and led by the proposer.
func TestGovernanceInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("invariants hold after every operation", prop.ForAll(
		func(ops []int) string {
			ctx := context.Background()
			h, err := newHarness()
			if err != nil {
				return err.Error()
			}
			for i, v := range ops {
				h.step(ctx, v)
				if err := h.check(ctx); err != nil {
					return fmt.Sprintf("after op %d (%d): %v", i, v, err)
				}
			}
			return ""
		},
		gen.SliceOf(gen.IntRange(0, 1<<16)),
	))

	properties.TestingRun(t)
}

// TestProposalIDsAreDense verifies ids are 1..n with no gaps, whatever fails.
func TestProposalIDsAreDense(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("proposal ids are dense", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			h, err := newHarness()
			if err != nil {
				return false
			}
			for _, v := range ops {
				h.step(ctx, v)
			}
			for i, p := range h.e.ListProposals(ctx, "") {
				if p.ID != uint64(i+1) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1<<16)),
	))

	properties.TestingRun(t)
}
