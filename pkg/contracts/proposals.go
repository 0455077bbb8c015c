package contracts

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ProposalStatus is derived from a proposal's flags and the current time.
type ProposalStatus string

// ProposalStatus constants. Expired is never stored.
const (
	StatusActive    ProposalStatus = "ACTIVE"
	StatusExecuted  ProposalStatus = "EXECUTED"
	StatusCancelled ProposalStatus = "CANCELLED"
	StatusExpired   ProposalStatus = "EXPIRED"
)

// Proposal is a pending or resolved request to perform one governed action.
// Deadline is snapshotted at creation. Executed and Cancelled are mutually
// exclusive and terminal.
type Proposal struct {
	ID        uint64
	Action    Action
	Proposer  Address
	CreatedAt time.Time
	Deadline  time.Time
	Executed  bool
	Cancelled bool
	Approvers []Address
}

// Kind returns the action variant.
func (p *Proposal) Kind() Kind {
	if p.Action == nil {
		return ""
	}
	return p.Action.Kind()
}

// Expired reports whether the validity window has closed.
func (p *Proposal) Expired(now time.Time) bool {
	return !now.Before(p.Deadline)
}

// Terminal reports whether either terminal flag is set.
func (p *Proposal) Terminal() bool {
	return p.Executed || p.Cancelled
}

// Status derives the lifecycle state at now.
func (p *Proposal) Status(now time.Time) ProposalStatus {
	switch {
	case p.Executed:
		return StatusExecuted
	case p.Cancelled:
		return StatusCancelled
	case p.Expired(now):
		return StatusExpired
	default:
		return StatusActive
	}
}

// HasApproved reports whether owner is among the approvers.
func (p *Proposal) HasApproved(owner Address) bool {
	return slices.Contains(p.Approvers, owner)
}

// Clone copies the record. The action is shared; actions are immutable.
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.Approvers = slices.Clone(p.Approvers)
	return &c
}

type proposalWire struct {
	ID        uint64          `json:"id"`
	Kind      Kind            `json:"kind"`
	Action    json.RawMessage `json:"action"`
	Proposer  Address         `json:"proposer"`
	CreatedAt time.Time       `json:"created_at"`
	Deadline  time.Time       `json:"deadline"`
	Executed  bool            `json:"executed"`
	Cancelled bool            `json:"cancelled"`
	Approvers []Address       `json:"approvers"`
}

func (p Proposal) MarshalJSON() ([]byte, error) {
	payload, err := MarshalAction(p.Action)
	if err != nil {
		return nil, err
	}
	approvers := p.Approvers
	if approvers == nil {
		approvers = []Address{}
	}
	return json.Marshal(proposalWire{
		ID:        p.ID,
		Kind:      p.Kind(),
		Action:    payload,
		Proposer:  p.Proposer,
		CreatedAt: p.CreatedAt,
		Deadline:  p.Deadline,
		Executed:  p.Executed,
		Cancelled: p.Cancelled,
		Approvers: approvers,
	})
}

func (p *Proposal) UnmarshalJSON(b []byte) error {
	var w proposalWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	action, err := UnmarshalAction(w.Kind, w.Action)
	if err != nil {
		return fmt.Errorf("proposal %d: %w", w.ID, err)
	}
	*p = Proposal{
		ID:        w.ID,
		Action:    action,
		Proposer:  w.Proposer,
		CreatedAt: w.CreatedAt,
		Deadline:  w.Deadline,
		Executed:  w.Executed,
		Cancelled: w.Cancelled,
		Approvers: w.Approvers,
	}
	return nil
}
