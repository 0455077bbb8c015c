// Package governance implements the multi-party authorization engine: a
// quorum of registered owners must approve a proposal before its action
// takes effect.
//
// # Operations
//
// Create, Approve, Execute and Cancel are the only ways to change state.
// Each runs to completion before the next is admitted, commits its effects
// to the repository in one changeset, and then publishes its events. An
// operation that fails leaves no trace: every in-memory mutation is undone
// and its events are discarded.
//
// # Reentrancy
//
// A Transaction invokes external code with a context that carries the
// running operation. Calls made back into the engine with that context join
// the running operation instead of waiting for it: they see its uncommitted
// state, and their effects commit or roll back with it. Execute holds an
// exclusion guard for its whole duration, so a nested Execute, or a nested
// Approve that reaches quorum, fails with contracts.ErrReentrantCall.
//
// A callback that arrives with a fresh context, such as a webhook calling
// back through the HTTP API, cannot join the running operation. While an
// execution is in flight such a call fails with contracts.ErrReentrantCall
// if it is an Execute or an Approve that would reach quorum against the last
// committed state. Any other call waits for the running operation to finish.
//
// # Quorum
//
// The approval threshold is always the live RequiredApprovals, never the
// value in effect when a proposal was created.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/invoke"
	"github.com/jio-gl/multiguard/pkg/notify"
	"github.com/jio-gl/multiguard/pkg/observability"
	"github.com/jio-gl/multiguard/pkg/owners"
	"github.com/jio-gl/multiguard/pkg/pause"
	"github.com/jio-gl/multiguard/pkg/proposals"
	"github.com/jio-gl/multiguard/pkg/store"
)

// Result describes a committed operation.
type Result struct {
	ProposalID uint64                   `json:"proposal_id"`
	Status     contracts.ProposalStatus `json:"status"`
	Events     []contracts.Event        `json:"events"`
}

// Engine owns the owner registry, governance config, pause state and
// proposal table. It is safe for concurrent use.
type Engine struct {
	// mu admits one top-level operation at a time.
	mu sync.Mutex
	// execMu is held for the duration of any execution. executing is set
	// while it is held.
	execMu    sync.Mutex
	executing atomic.Bool

	self   contracts.Address
	owners *owners.Registry
	pause  *pause.Controller
	table  *proposals.Table
	config contracts.GovernanceConfig

	view atomic.Pointer[view]

	repo      store.Repository
	invoker   invoke.Invoker
	notifier  notify.Notifier
	admission Admission
	tracker   Tracker
	clock     func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// txn is the running top-level operation. Nested operations share it.
type txn struct {
	engine *Engine
	open   atomic.Bool
	now    time.Time
	undo   []func()
	events []contracts.Event
	dirty  map[uint64]struct{}
}

type txnKey struct{}

func (t *txn) onUndo(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *txn) touch(id uint64) {
	t.dirty[id] = struct{}{}
}

// rollback undoes every mutation recorded after the marks, newest first.
func (t *txn) rollback(undoMark, eventMark int) {
	for i := len(t.undo) - 1; i >= undoMark; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:undoMark]
	clear(t.events[eventMark:])
	t.events = t.events[:eventMark]
}

func (t *txn) emit(typ contracts.EventType, proposalID uint64, actor contracts.Address, attrs map[string]string) {
	t.events = append(t.events, contracts.Event{
		ID:         t.engine.newID(),
		Type:       typ,
		ProposalID: proposalID,
		Actor:      actor,
		Timestamp:  t.now,
		Attributes: attrs,
	})
}

// Open loads the engine from the repository, or initializes it from genesis
// and commits that initial state when the repository is empty.
func Open(ctx context.Context, genesis contracts.Genesis, opts ...Option) (*Engine, error) {
	e := &Engine{
		table:    proposals.NewTable(),
		clock:    time.Now,
		newID:    uuid.NewString,
		notifier: notify.Nop{},
		logger:   slog.Default().With("component", "governance"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.repo == nil {
		e.repo = store.NewMemoryRepository()
	}

	snap, err := e.repo.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := e.initialize(ctx, genesis); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("governance: load state: %w", err)
	default:
		if err := e.restore(snap); err != nil {
			return nil, err
		}
		e.logger.InfoContext(ctx, "governance state restored",
			"owners", e.owners.Len(),
			"required_approvals", e.config.RequiredApprovals,
			"proposals", e.table.Len(),
		)
	}
	e.publishView()
	return e, nil
}

func (e *Engine) initialize(ctx context.Context, genesis contracts.Genesis) error {
	if err := genesis.Validate(); err != nil {
		return err
	}
	reg, err := owners.NewRegistry(genesis.Owners)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	e.owners = reg
	e.pause = pause.NewController(contracts.PauseState{})
	e.config = contracts.GovernanceConfig{
		RequiredApprovals: genesis.RequiredApprovals,
		ProposalDeadline:  genesis.ProposalDeadline,
	}
	if err := e.repo.Commit(ctx, store.Changeset{State: e.state()}); err != nil {
		return fmt.Errorf("governance: commit genesis: %w", err)
	}
	e.logger.InfoContext(ctx, "governance initialized from genesis",
		"owners", e.owners.Len(),
		"required_approvals", e.config.RequiredApprovals,
		"proposal_deadline", e.config.ProposalDeadline,
	)
	return nil
}

func (e *Engine) restore(snap *store.Snapshot) error {
	st := snap.State
	reg, err := owners.NewRegistry(st.Owners)
	if err != nil {
		return fmt.Errorf("governance: restore owners: %w", err)
	}
	if err := contracts.ValidateThreshold(st.Config.RequiredApprovals, reg.Len()); err != nil {
		return fmt.Errorf("governance: restore config: %w", err)
	}
	if err := e.table.Load(snap.Proposals); err != nil {
		return fmt.Errorf("governance: restore: %w", err)
	}
	if st.NextProposalID != e.table.NextID() {
		return fmt.Errorf("governance: restore: next proposal id %d, table holds %d records", st.NextProposalID, e.table.Len())
	}
	e.owners = reg
	e.config = st.Config
	e.pause = pause.NewController(st.Pause)
	return nil
}

func (e *Engine) state() contracts.State {
	return contracts.State{
		Owners:         e.owners.List(),
		Config:         e.config,
		Pause:          e.pause.State(),
		NextProposalID: e.table.NextID(),
	}
}

// run executes op as its own top-level operation, or as part of the
// operation already carried by ctx. executes reports, against the committed
// view, whether op would execute a proposal; nil means it never does.
func (e *Engine) run(ctx context.Context, executes func(v *view) bool, op func(ctx context.Context, t *txn) error) ([]contracts.Event, error) {
	if t, ok := ctx.Value(txnKey{}).(*txn); ok && t.engine == e && t.open.Load() {
		undoMark, eventMark := len(t.undo), len(t.events)
		if err := op(ctx, t); err != nil {
			t.rollback(undoMark, eventMark)
			return nil, err
		}
		return append([]contracts.Event(nil), t.events[eventMark:]...), nil
	}

	if !e.mu.TryLock() {
		if executes != nil && e.executing.Load() && executes(e.view.Load()) {
			return nil, fmt.Errorf("%w: an execution is in flight", contracts.ErrReentrantCall)
		}
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	t := &txn{engine: e, now: e.clock(), dirty: make(map[uint64]struct{})}
	t.open.Store(true)
	defer t.open.Store(false)

	if err := op(context.WithValue(ctx, txnKey{}, t), t); err != nil {
		t.rollback(0, 0)
		return nil, err
	}
	if err := e.repo.Commit(ctx, e.changeset(t)); err != nil {
		t.rollback(0, 0)
		e.logger.ErrorContext(ctx, "commit failed, operation rolled back", "error", err)
		return nil, fmt.Errorf("governance: commit: %w", err)
	}
	e.publishView()

	if len(t.events) > 0 {
		if err := e.notifier.Publish(ctx, t.events); err != nil {
			e.logger.ErrorContext(ctx, "failed to publish events", "count", len(t.events), "error", err)
		}
	}
	return t.events, nil
}

func (e *Engine) changeset(t *txn) store.Changeset {
	cs := store.Changeset{State: e.state()}
	for id := uint64(1); id < e.table.NextID(); id++ {
		if _, ok := t.dirty[id]; !ok {
			continue
		}
		if p, err := e.table.Get(id); err == nil {
			cs.Proposals = append(cs.Proposals, p)
		}
	}
	return cs
}

func (e *Engine) track(ctx context.Context, name string, id uint64, kind contracts.Kind, caller contracts.Address) (context.Context, func(error)) {
	if e.tracker == nil {
		return ctx, func(error) {}
	}
	return e.tracker.TrackOperation(ctx, name, observability.ProposalOperation(id, kind, caller)...)
}

func (e *Engine) result(ctx context.Context, id uint64, events []contracts.Event) *Result {
	res := &Result{ProposalID: id, Events: events}
	if p, err := e.Proposal(ctx, id); err == nil {
		res.Status = p.Status(e.now(ctx))
	}
	return res
}

// Create proposes action on behalf of caller, who becomes its first
// approver. It never executes; a proposal whose quorum is one approval is
// run with Execute.
func (e *Engine) Create(ctx context.Context, caller contracts.Address, action contracts.Action) (*Result, error) {
	var kind contracts.Kind
	if action != nil {
		kind = action.Kind()
	}
	ctx, finish := e.track(ctx, "governance.create", 0, kind, caller)

	var id uint64
	events, err := e.run(ctx, nil, func(ctx context.Context, t *txn) error {
		var err error
		id, err = e.create(ctx, t, caller, action)
		return err
	})
	finish(err)
	if err != nil {
		e.logger.DebugContext(ctx, "create rejected", "caller", caller, "kind", kind, "error", err)
		return nil, err
	}
	return e.result(ctx, id, events), nil
}

func (e *Engine) create(ctx context.Context, t *txn, caller contracts.Address, action contracts.Action) (uint64, error) {
	if err := e.requireActiveOwner(t, caller); err != nil {
		return 0, err
	}
	if action == nil {
		return 0, fmt.Errorf("%w: nil action", contracts.ErrInvalidAction)
	}
	if err := e.validate(ctx, t, action); err != nil {
		return 0, err
	}
	if err := e.admit(ctx, t, caller, action); err != nil {
		return 0, err
	}

	p := e.table.Create(action, caller, t.now, e.config.ProposalDeadline)
	t.onUndo(func() { e.table.DiscardLast(p.ID) })
	t.touch(p.ID)
	t.emit(contracts.EventProposalCreated, p.ID, caller, map[string]string{
		"kind":     string(p.Kind()),
		"deadline": p.Deadline.UTC().Format(time.RFC3339),
	})
	return p.ID, nil
}

// Approve adds caller's approval and executes the proposal when the live
// quorum is reached.
func (e *Engine) Approve(ctx context.Context, caller contracts.Address, id uint64) (*Result, error) {
	ctx, finish := e.track(ctx, "governance.approve", id, "", caller)
	events, err := e.run(ctx, func(v *view) bool {
		p, err := v.proposal(id)
		return err == nil && !p.HasApproved(caller) && len(p.Approvers)+1 >= v.config.RequiredApprovals
	}, func(ctx context.Context, t *txn) error {
		return e.approve(ctx, t, caller, id)
	})
	finish(err)
	if err != nil {
		e.logger.DebugContext(ctx, "approve rejected", "caller", caller, "proposal_id", id, "error", err)
		return nil, err
	}
	return e.result(ctx, id, events), nil
}

func (e *Engine) approve(ctx context.Context, t *txn, caller contracts.Address, id uint64) error {
	if err := e.requireActiveOwner(t, caller); err != nil {
		return err
	}
	p, err := e.openProposal(t, id)
	if err != nil {
		return err
	}
	if p.HasApproved(caller) {
		return fmt.Errorf("%w: %s on proposal %d", contracts.ErrAlreadyApproved, caller, id)
	}

	if err := e.table.AddApprover(id, caller); err != nil {
		return err
	}
	t.onUndo(func() { e.table.RestoreRecord(p) })
	t.touch(id)
	approvals := len(p.Approvers) + 1
	t.emit(contracts.EventProposalApproved, id, caller, map[string]string{
		"approvals": fmt.Sprint(approvals),
		"required":  fmt.Sprint(e.config.RequiredApprovals),
	})

	if approvals >= e.config.RequiredApprovals {
		return e.execute(ctx, t, caller, id)
	}
	return nil
}

// Execute runs a proposal that has reached the live quorum.
func (e *Engine) Execute(ctx context.Context, caller contracts.Address, id uint64) (*Result, error) {
	ctx, finish := e.track(ctx, "governance.execute", id, "", caller)
	events, err := e.run(ctx, func(*view) bool { return true }, func(ctx context.Context, t *txn) error {
		if err := e.requireActiveOwner(t, caller); err != nil {
			return err
		}
		return e.execute(ctx, t, caller, id)
	})
	finish(err)
	if err != nil {
		e.logger.DebugContext(ctx, "execute rejected", "caller", caller, "proposal_id", id, "error", err)
		return nil, err
	}
	return e.result(ctx, id, events), nil
}

// execute marks the proposal executed before dispatching its effect, so a
// reentrant call observes it as executed. Any failure unwinds through the
// caller's rollback, which clears the flag again.
func (e *Engine) execute(ctx context.Context, t *txn, caller contracts.Address, id uint64) error {
	if !e.execMu.TryLock() {
		return fmt.Errorf("%w: proposal %d", contracts.ErrReentrantCall, id)
	}
	defer e.execMu.Unlock()
	e.executing.Store(true)
	defer e.executing.Store(false)

	p, err := e.openProposal(t, id)
	if err != nil {
		return err
	}
	if have, need := len(p.Approvers), e.config.RequiredApprovals; have < need {
		return fmt.Errorf("%w: %d of %d", contracts.ErrInsufficientApprovals, have, need)
	}

	if err := e.table.MarkExecuted(id); err != nil {
		return err
	}
	t.onUndo(func() { e.table.RestoreRecord(p) })
	t.touch(id)

	if err := e.dispatch(ctx, t, caller, p); err != nil {
		e.logger.WarnContext(ctx, "dispatch failed", "proposal_id", id, "kind", p.Kind(), "error", err)
		return err
	}
	t.emit(contracts.EventProposalExecuted, id, caller, map[string]string{"kind": string(p.Kind())})
	observability.AddSpanEvent(ctx, "proposal.executed", observability.ProposalOperation(id, p.Kind(), caller)...)
	e.logger.InfoContext(ctx, "proposal executed", "proposal_id", id, "kind", p.Kind(), "caller", caller)
	return nil
}

// Cancel terminates an open proposal. Only the proposer may cancel before the
// deadline; any owner may cancel after it. Cancel works while paused.
func (e *Engine) Cancel(ctx context.Context, caller contracts.Address, id uint64) (*Result, error) {
	ctx, finish := e.track(ctx, "governance.cancel", id, "", caller)
	events, err := e.run(ctx, nil, func(ctx context.Context, t *txn) error {
		return e.cancel(t, caller, id)
	})
	finish(err)
	if err != nil {
		e.logger.DebugContext(ctx, "cancel rejected", "caller", caller, "proposal_id", id, "error", err)
		return nil, err
	}
	return e.result(ctx, id, events), nil
}

func (e *Engine) cancel(t *txn, caller contracts.Address, id uint64) error {
	if !e.owners.Contains(caller) {
		return fmt.Errorf("%w: %s", contracts.ErrNotOwner, caller)
	}
	p, err := e.table.Get(id)
	if err != nil {
		return err
	}
	switch {
	case p.Executed:
		return fmt.Errorf("%w: %d", contracts.ErrProposalAlreadyExecuted, id)
	case p.Cancelled:
		return fmt.Errorf("%w: %d", contracts.ErrProposalCancelled, id)
	case caller != p.Proposer && !p.Expired(t.now):
		return fmt.Errorf("%w: proposal %d by %s", contracts.ErrNotProposer, id, p.Proposer)
	}

	if err := e.table.MarkCancelled(id); err != nil {
		return err
	}
	t.onUndo(func() { e.table.RestoreRecord(p) })
	t.touch(id)
	t.emit(contracts.EventProposalCancelled, id, caller, nil)
	return nil
}

func (e *Engine) requireActiveOwner(t *txn, caller contracts.Address) error {
	if !e.owners.Contains(caller) {
		return fmt.Errorf("%w: %s", contracts.ErrNotOwner, caller)
	}
	if e.pause.EffectivelyPaused(t.now) {
		return fmt.Errorf("%w: until %s", contracts.ErrSystemPaused, e.pause.State().EndTime.UTC().Format(time.RFC3339))
	}
	return nil
}

// openProposal returns a copy of id if it can still be approved or executed.
func (e *Engine) openProposal(t *txn, id uint64) (*contracts.Proposal, error) {
	p, err := e.table.Get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Cancelled:
		return nil, fmt.Errorf("%w: %d", contracts.ErrProposalCancelled, id)
	case p.Expired(t.now):
		return nil, fmt.Errorf("%w: proposal %d expired %s", contracts.ErrDeadlinePassed, id, p.Deadline.UTC().Format(time.RFC3339))
	case p.Executed:
		return nil, fmt.Errorf("%w: %d", contracts.ErrProposalAlreadyExecuted, id)
	}
	return p, nil
}
