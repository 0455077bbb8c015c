// Package proposals holds the keyed record of every proposal ever created.
//
// Records are append-only: after creation only the approver list and the two
// terminal flags change, and nothing changes once a terminal flag is set.
// The only exceptions are RestoreRecord and DiscardLast, which exist so the
// engine can roll back an operation that failed part-way.
package proposals

import (
	"fmt"
	"time"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// Table stores proposals densely: id n lives at index n-1, so ids are
// monotonic from 1 and 0 is never valid. Not safe for concurrent use.
type Table struct {
	records []*contracts.Proposal
}

// NewTable returns an empty table whose first id is 1.
func NewTable() *Table {
	return &Table{}
}

// Load replaces the table content with previously persisted records, which
// must be exactly ids 1..n.
func (t *Table) Load(records []*contracts.Proposal) error {
	loaded := make([]*contracts.Proposal, len(records))
	for i, p := range records {
		if p.ID != uint64(i+1) {
			return fmt.Errorf("proposals: record %d has id %d, want %d", i, p.ID, i+1)
		}
		if p.Executed && p.Cancelled {
			return fmt.Errorf("proposals: record %d is both executed and cancelled", p.ID)
		}
		loaded[i] = p.Clone()
	}
	t.records = loaded
	return nil
}

// Len returns the number of proposals ever created.
func (t *Table) Len() int {
	return len(t.records)
}

// NextID returns the id the next Create will allocate.
func (t *Table) NextID() uint64 {
	return uint64(len(t.records)) + 1
}

// Create appends a proposal with the proposer as its first approver.
func (t *Table) Create(action contracts.Action, proposer contracts.Address, createdAt time.Time, validity time.Duration) *contracts.Proposal {
	p := &contracts.Proposal{
		ID:        t.NextID(),
		Action:    action,
		Proposer:  proposer,
		CreatedAt: createdAt,
		Deadline:  createdAt.Add(validity),
		Approvers: []contracts.Address{proposer},
	}
	t.records = append(t.records, p)
	return p.Clone()
}

// Get returns a copy of proposal id.
func (t *Table) Get(id uint64) (*contracts.Proposal, error) {
	p, err := t.get(id)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// List returns copies of the proposals matching keep, in id order.
// A nil keep matches everything.
func (t *Table) List(keep func(*contracts.Proposal) bool) []*contracts.Proposal {
	var out []*contracts.Proposal
	for _, p := range t.records {
		if keep == nil || keep(p) {
			out = append(out, p.Clone())
		}
	}
	return out
}

// AddApprover appends owner to the approvers of an open proposal.
func (t *Table) AddApprover(id uint64, owner contracts.Address) error {
	p, err := t.open(id)
	if err != nil {
		return err
	}
	if p.HasApproved(owner) {
		return fmt.Errorf("%w: %s on proposal %d", contracts.ErrAlreadyApproved, owner, id)
	}
	p.Approvers = append(p.Approvers, owner)
	return nil
}

// MarkExecuted sets the executed flag of an open proposal.
func (t *Table) MarkExecuted(id uint64) error {
	p, err := t.open(id)
	if err != nil {
		return err
	}
	p.Executed = true
	return nil
}

// MarkCancelled sets the cancelled flag of an open proposal.
func (t *Table) MarkCancelled(id uint64) error {
	p, err := t.open(id)
	if err != nil {
		return err
	}
	p.Cancelled = true
	return nil
}

// RestoreRecord puts back a copy taken before a failed operation touched it.
func (t *Table) RestoreRecord(prev *contracts.Proposal) {
	if _, err := t.get(prev.ID); err != nil {
		return
	}
	t.records[prev.ID-1] = prev.Clone()
}

// DiscardLast drops id if it is the newest record; used to undo a Create.
func (t *Table) DiscardLast(id uint64) {
	if n := uint64(len(t.records)); n > 0 && n == id {
		t.records[n-1] = nil
		t.records = t.records[:n-1]
	}
}

func (t *Table) get(id uint64) (*contracts.Proposal, error) {
	if id == 0 || id > uint64(len(t.records)) {
		return nil, fmt.Errorf("%w: %d", contracts.ErrInvalidProposalID, id)
	}
	return t.records[id-1], nil
}

func (t *Table) open(id uint64) (*contracts.Proposal, error) {
	p, err := t.get(id)
	if err != nil {
		return nil, err
	}
	switch {
	case p.Executed:
		return nil, fmt.Errorf("%w: %d", contracts.ErrProposalAlreadyExecuted, id)
	case p.Cancelled:
		return nil, fmt.Errorf("%w: %d", contracts.ErrProposalCancelled, id)
	}
	return p, nil
}
