package governance

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/pause"
)

// view is an immutable copy of the last committed state. Readers outside a
// running operation use it and never wait for one.
type view struct {
	owners    []contracts.Address
	config    contracts.GovernanceConfig
	pause     contracts.PauseState
	proposals []*contracts.Proposal
}

// publishView snapshots the live state. Callers hold mu or have exclusive
// access during construction.
func (e *Engine) publishView() {
	e.view.Store(&view{
		owners:    e.owners.List(),
		config:    e.config,
		pause:     e.pause.State(),
		proposals: e.table.List(nil),
	})
}

// current returns the state a read from ctx should observe: the running
// operation's live state when ctx belongs to it, else the committed view.
func (e *Engine) current(ctx context.Context) *view {
	if t, ok := ctx.Value(txnKey{}).(*txn); ok && t.engine == e && t.open.Load() {
		return &view{
			owners:    e.owners.List(),
			config:    e.config,
			pause:     e.pause.State(),
			proposals: e.table.List(nil),
		}
	}
	return e.view.Load()
}

func (e *Engine) now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(txnKey{}).(*txn); ok && t.engine == e && t.open.Load() {
		return t.now
	}
	return e.clock()
}

func (v *view) proposal(id uint64) (*contracts.Proposal, error) {
	if id == 0 || id > uint64(len(v.proposals)) {
		return nil, fmt.Errorf("%w: %d", contracts.ErrInvalidProposalID, id)
	}
	return v.proposals[id-1], nil
}

// ListOwners returns the current owners. Order carries no meaning.
func (e *Engine) ListOwners(ctx context.Context) []contracts.Address {
	return slices.Clone(e.current(ctx).owners)
}

// IsOwner reports whether id is an owner.
func (e *Engine) IsOwner(ctx context.Context, id contracts.Address) bool {
	return slices.Contains(e.current(ctx).owners, id)
}

// Config returns the live governance parameters.
func (e *Engine) Config(ctx context.Context) contracts.GovernanceConfig {
	return e.current(ctx).config
}

// Proposal returns a copy of proposal id.
func (e *Engine) Proposal(ctx context.Context, id uint64) (*contracts.Proposal, error) {
	p, err := e.current(ctx).proposal(id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// Approvers returns the approvers of id in approval order.
func (e *Engine) Approvers(ctx context.Context, id uint64) ([]contracts.Address, error) {
	p, err := e.current(ctx).proposal(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.Approvers), nil
}

// HasApproved reports whether owner approved id.
func (e *Engine) HasApproved(ctx context.Context, id uint64, owner contracts.Address) (bool, error) {
	p, err := e.current(ctx).proposal(id)
	if err != nil {
		return false, err
	}
	return p.HasApproved(owner), nil
}

// ProposalStatus derives the lifecycle state of id now.
func (e *Engine) ProposalStatus(ctx context.Context, id uint64) (contracts.ProposalStatus, error) {
	p, err := e.current(ctx).proposal(id)
	if err != nil {
		return "", err
	}
	return p.Status(e.now(ctx)), nil
}

// ListProposals returns proposals in id order, optionally filtered by status.
func (e *Engine) ListProposals(ctx context.Context, status contracts.ProposalStatus) []*contracts.Proposal {
	v, now := e.current(ctx), e.now(ctx)
	var out []*contracts.Proposal
	for _, p := range v.proposals {
		if status == "" || p.Status(now) == status {
			out = append(out, p.Clone())
		}
	}
	return out
}

// ProposalCount returns the number of proposals ever created.
func (e *Engine) ProposalCount(ctx context.Context) int {
	return len(e.current(ctx).proposals)
}

// PauseStatus reports whether the system is effectively paused and for how
// much longer.
func (e *Engine) PauseStatus(ctx context.Context) (bool, time.Duration) {
	return pause.NewController(e.current(ctx).pause).Status(e.now(ctx))
}
