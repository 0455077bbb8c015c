package governance

import (
	"context"
	"fmt"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/policy"
)

// validate applies the create-time checks for each kind.
func (e *Engine) validate(ctx context.Context, t *txn, action contracts.Action) error {
	switch a := action.(type) {
	case contracts.Transaction:
		return e.validateTarget(ctx, a)

	case contracts.ChangeRequiredApprovals:
		return contracts.ValidateThreshold(a.Required, e.owners.Len())

	case contracts.AddOwner:
		switch {
		case a.Owner.IsZero():
			return contracts.ErrZeroAddressOwner
		case e.owners.Contains(a.Owner):
			return fmt.Errorf("%w: %s", contracts.ErrDuplicateOwner, a.Owner)
		case e.owners.Full():
			return fmt.Errorf("%w: limit %d", contracts.ErrTooManyOwners, contracts.MaxOwners)
		}
		return nil

	case contracts.RemoveOwner:
		if !e.owners.Contains(a.Owner) {
			return fmt.Errorf("%w: %s", contracts.ErrUnknownOwner, a.Owner)
		}
		// Strict: the registry must stay at or above quorum after removal.
		if e.owners.Len() <= e.config.RequiredApprovals {
			return fmt.Errorf("%w: %d owners cannot drop below quorum %d",
				contracts.ErrInvalidApprovalThreshold, e.owners.Len(), e.config.RequiredApprovals)
		}
		return nil

	case contracts.UpdateDeadlineDuration:
		return contracts.ValidateDeadlineDuration(a.Duration.Std())

	case contracts.Pause:
		if e.pause.EffectivelyPaused(t.now) {
			return contracts.ErrAlreadyPaused
		}
		return contracts.ValidatePauseDuration(a.Duration.Std())

	case contracts.Unpause:
		return e.pause.CanUnpause(t.now)

	default:
		return fmt.Errorf("%w: unknown kind %T", contracts.ErrInvalidAction, action)
	}
}

// validateTarget requires a non-zero, non-self target that the invoker can
// execute, and a non-negative value.
func (e *Engine) validateTarget(ctx context.Context, a contracts.Transaction) error {
	switch {
	case a.Target.IsZero():
		return fmt.Errorf("%w: zero address", contracts.ErrInvalidTarget)
	case e.self != "" && a.Target == e.self:
		return fmt.Errorf("%w: engine cannot target itself", contracts.ErrInvalidTarget)
	case a.Value != nil && a.Value.Sign() < 0:
		return fmt.Errorf("%w: negative value", contracts.ErrInvalidAction)
	case e.invoker == nil:
		return fmt.Errorf("%w: %s is not executable", contracts.ErrInvalidTarget, a.Target)
	}
	ok, err := e.invoker.IsExecutable(ctx, a.Target)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", contracts.ErrInvalidTarget, a.Target, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not executable", contracts.ErrInvalidTarget, a.Target)
	}
	return nil
}

func (e *Engine) admit(ctx context.Context, t *txn, caller contracts.Address, action contracts.Action) error {
	if e.admission == nil {
		return nil
	}
	return e.admission.Admit(ctx, policy.InputFor(action, caller, e.state(), t.now))
}
