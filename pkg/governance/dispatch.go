package governance

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// dispatch applies the effect of an executed proposal. Every mutation
// registers its undo with t. Preconditions checked at create time are checked
// again here because other proposals may have executed in between.
func (e *Engine) dispatch(ctx context.Context, t *txn, caller contracts.Address, p *contracts.Proposal) error {
	switch a := p.Action.(type) {
	case contracts.Transaction:
		return e.dispatchTransaction(ctx, t, caller, p.ID, a)

	case contracts.ChangeRequiredApprovals:
		if err := contracts.ValidateThreshold(a.Required, e.owners.Len()); err != nil {
			return err
		}
		prev := e.config
		e.config.RequiredApprovals = a.Required
		t.onUndo(func() { e.config = prev })
		t.emit(contracts.EventRequiredApprovalsChanged, p.ID, caller, map[string]string{
			"previous": fmt.Sprint(prev.RequiredApprovals),
			"required": fmt.Sprint(a.Required),
		})

	case contracts.AddOwner:
		if a.Owner.IsZero() {
			return contracts.ErrZeroAddressOwner
		}
		prev := e.owners.Snapshot()
		if err := e.owners.Add(a.Owner); err != nil {
			return err
		}
		t.onUndo(func() { e.owners.Restore(prev) })
		t.emit(contracts.EventOwnerAdded, p.ID, caller, map[string]string{"owner": string(a.Owner)})

	case contracts.RemoveOwner:
		if !e.owners.Contains(a.Owner) {
			return fmt.Errorf("%w: %s", contracts.ErrUnknownOwner, a.Owner)
		}
		if remaining := e.owners.Len() - 1; remaining < e.config.RequiredApprovals {
			return fmt.Errorf("%w: removing %s leaves %d owners for quorum %d",
				contracts.ErrInvalidApprovalThreshold, a.Owner, remaining, e.config.RequiredApprovals)
		}
		prev := e.owners.Snapshot()
		if err := e.owners.Remove(a.Owner); err != nil {
			return err
		}
		t.onUndo(func() { e.owners.Restore(prev) })
		t.emit(contracts.EventOwnerRemoved, p.ID, caller, map[string]string{"owner": string(a.Owner)})

	case contracts.UpdateDeadlineDuration:
		if err := contracts.ValidateDeadlineDuration(a.Duration.Std()); err != nil {
			return err
		}
		prev := e.config
		e.config.ProposalDeadline = a.Duration.Std()
		t.onUndo(func() { e.config = prev })
		t.emit(contracts.EventDeadlineDurationUpdated, p.ID, caller, map[string]string{
			"previous": prev.ProposalDeadline.String(),
			"duration": a.Duration.Std().String(),
		})

	case contracts.Pause:
		if err := contracts.ValidatePauseDuration(a.Duration.Std()); err != nil {
			return err
		}
		prev := e.pause.State()
		if err := e.pause.Pause(t.now, a.Duration.Std()); err != nil {
			return err
		}
		t.onUndo(func() { e.pause.Restore(prev) })
		t.emit(contracts.EventPaused, p.ID, caller, map[string]string{
			"until": e.pause.State().EndTime.UTC().Format(time.RFC3339),
		})

	case contracts.Unpause:
		prev := e.pause.State()
		if err := e.pause.Unpause(t.now); err != nil {
			return err
		}
		t.onUndo(func() { e.pause.Restore(prev) })
		t.emit(contracts.EventUnpaused, p.ID, caller, nil)

	default:
		return fmt.Errorf("%w: unhandled kind %T", contracts.ErrInvalidAction, p.Action)
	}
	return nil
}

// dispatchTransaction performs the external call. ctx carries the running
// operation, so the target may call back into the engine.
func (e *Engine) dispatchTransaction(ctx context.Context, t *txn, caller contracts.Address, id uint64, a contracts.Transaction) error {
	if e.invoker == nil {
		return &contracts.ExternalCallError{Target: a.Target, Reason: "no invoker configured"}
	}
	out, err := e.invoker.Invoke(ctx, a.Target, bytes.Clone(a.Data), a.Amount())
	if err != nil {
		return &contracts.ExternalCallError{Target: a.Target, Reason: err.Error(), Err: err}
	}
	attrs := map[string]string{
		"target": string(a.Target),
		"value":  a.Amount().String(),
	}
	if len(out) > 0 {
		attrs["return_data"] = hex.EncodeToString(out)
	}
	t.emit(contracts.EventTransactionExecuted, id, caller, attrs)
	return nil
}
