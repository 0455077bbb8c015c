package contracts

import "time"

// EventType names a notification emitted by the engine.
type EventType string

// Generic lifecycle events.
const (
	EventProposalCreated   EventType = "PROPOSAL_CREATED"
	EventProposalApproved  EventType = "PROPOSAL_APPROVED"
	EventProposalExecuted  EventType = "PROPOSAL_EXECUTED"
	EventProposalCancelled EventType = "PROPOSAL_CANCELLED"
)

// Domain events, one per action kind.
const (
	EventTransactionExecuted      EventType = "TRANSACTION_EXECUTED"
	EventRequiredApprovalsChanged EventType = "REQUIRED_APPROVALS_CHANGED"
	EventOwnerAdded               EventType = "OWNER_ADDED"
	EventOwnerRemoved             EventType = "OWNER_REMOVED"
	EventDeadlineDurationUpdated  EventType = "DEADLINE_DURATION_UPDATED"
	EventPaused                   EventType = "PAUSED"
	EventUnpaused                 EventType = "UNPAUSED"
)

// Event is a notification produced by a committed operation. Events of an
// operation that fails are discarded with the rest of its effects.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	ProposalID uint64            `json:"proposal_id"`
	Actor      Address           `json:"actor"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
