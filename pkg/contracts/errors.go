package contracts

import (
	"errors"
	"fmt"
)

// Engine rejections. Every failure the engine reports matches exactly one of
// these with errors.Is; callers decide whether to retry.
var (
	ErrNotOwner                 = errors.New("caller is not an owner")
	ErrNotProposer              = errors.New("only the proposer may cancel before the deadline")
	ErrInvalidProposalID        = errors.New("invalid proposal id")
	ErrProposalCancelled        = errors.New("proposal cancelled")
	ErrProposalAlreadyExecuted  = errors.New("proposal already executed")
	ErrDeadlinePassed           = errors.New("proposal deadline passed")
	ErrAlreadyApproved          = errors.New("already approved")
	ErrInsufficientApprovals    = errors.New("insufficient approvals")
	ErrDuplicateOwner           = errors.New("duplicate owner")
	ErrUnknownOwner             = errors.New("unknown owner")
	ErrTooManyOwners            = errors.New("too many owners")
	ErrZeroAddressOwner         = errors.New("zero address owner")
	ErrInvalidApprovalThreshold = errors.New("invalid approval threshold")
	ErrInvalidDeadlineDuration  = errors.New("invalid deadline duration")
	ErrInvalidPauseDuration     = errors.New("invalid pause duration")
	ErrInvalidTarget            = errors.New("invalid target")
	ErrSystemPaused             = errors.New("system paused")
	ErrPauseWindowNotElapsed    = errors.New("pause window not elapsed")
	ErrNotPaused                = errors.New("system not paused")
	ErrAlreadyPaused            = errors.New("system already paused")
	ErrReentrantCall            = errors.New("reentrant call")
	ErrPolicyDenied             = errors.New("denied by admission policy")
	ErrExternalCallFailed       = errors.New("external call failed")
	ErrInvalidAction            = errors.New("invalid action")
)

// ExternalCallError carries the reason an invoked Transaction target failed.
type ExternalCallError struct {
	Target Address
	Reason string
	Err    error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call to %q failed: %s", e.Target, e.Reason)
}

// Is matches ErrExternalCallFailed.
func (e *ExternalCallError) Is(target error) bool {
	return target == ErrExternalCallFailed
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}
