package contracts

import (
	"fmt"
	"slices"
	"time"
)

// Bounds on governance parameters.
const (
	MaxOwners = 50

	MinProposalDeadline = time.Hour
	MaxProposalDeadline = 30 * 24 * time.Hour

	MinPauseDuration = time.Minute
	MaxPauseDuration = 30 * 24 * time.Hour
)

// GovernanceConfig holds the live governance parameters. It changes only
// through executed ChangeRequiredApprovals / UpdateDeadlineDuration proposals.
type GovernanceConfig struct {
	RequiredApprovals int           `json:"required_approvals"`
	ProposalDeadline  time.Duration `json:"proposal_deadline"`
}

// ValidateDeadlineDuration checks d against [MinProposalDeadline, MaxProposalDeadline].
func ValidateDeadlineDuration(d time.Duration) error {
	if d < MinProposalDeadline || d > MaxProposalDeadline {
		return fmt.Errorf("%w: %s outside [%s, %s]", ErrInvalidDeadlineDuration, d, MinProposalDeadline, MaxProposalDeadline)
	}
	return nil
}

// ValidatePauseDuration checks d against [MinPauseDuration, MaxPauseDuration].
func ValidatePauseDuration(d time.Duration) error {
	if d < MinPauseDuration || d > MaxPauseDuration {
		return fmt.Errorf("%w: %s outside [%s, %s]", ErrInvalidPauseDuration, d, MinPauseDuration, MaxPauseDuration)
	}
	return nil
}

// ValidateThreshold checks 1 <= required <= owners.
func ValidateThreshold(required, owners int) error {
	if required < 1 || required > owners {
		return fmt.Errorf("%w: %d of %d owners", ErrInvalidApprovalThreshold, required, owners)
	}
	return nil
}

// PauseState is the stored suspension window.
type PauseState struct {
	Paused  bool      `json:"paused"`
	EndTime time.Time `json:"end_time"`
}

// EffectivelyPaused reports Paused && now <= EndTime.
func (s PauseState) EffectivelyPaused(now time.Time) bool {
	return s.Paused && !now.After(s.EndTime)
}

// Genesis is the initial owner set and configuration of a fresh engine.
type Genesis struct {
	Owners            []Address     `json:"owners" yaml:"owners"`
	RequiredApprovals int           `json:"required_approvals" yaml:"required_approvals"`
	ProposalDeadline  time.Duration `json:"proposal_deadline" yaml:"proposal_deadline"`
}

// Validate checks the genesis against every registry and config invariant.
func (g Genesis) Validate() error {
	if len(g.Owners) == 0 {
		return fmt.Errorf("genesis: at least one owner required")
	}
	if len(g.Owners) > MaxOwners {
		return fmt.Errorf("genesis: %w: %d > %d", ErrTooManyOwners, len(g.Owners), MaxOwners)
	}
	seen := make(map[Address]struct{}, len(g.Owners))
	for _, o := range g.Owners {
		if o.IsZero() {
			return fmt.Errorf("genesis: %w", ErrZeroAddressOwner)
		}
		if _, dup := seen[o]; dup {
			return fmt.Errorf("genesis: %w: %s", ErrDuplicateOwner, o)
		}
		seen[o] = struct{}{}
	}
	if err := ValidateThreshold(g.RequiredApprovals, len(g.Owners)); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if err := ValidateDeadlineDuration(g.ProposalDeadline); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	return nil
}

// State is the durable engine snapshot minus the proposal table.
type State struct {
	Owners         []Address        `json:"owners"`
	Config         GovernanceConfig `json:"config"`
	Pause          PauseState       `json:"pause"`
	NextProposalID uint64           `json:"next_proposal_id"`
}

// Clone deep-copies the owner list.
func (s State) Clone() State {
	s.Owners = slices.Clone(s.Owners)
	return s
}
