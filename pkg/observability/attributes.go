package observability

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// Governance attributes.
var (
	AttrOperation  = attribute.Key("multiguard.operation")
	AttrProposalID = attribute.Key("multiguard.proposal.id")
	AttrKind       = attribute.Key("multiguard.proposal.kind")
	AttrCaller     = attribute.Key("multiguard.caller")
	AttrErrorKind  = attribute.Key("multiguard.error.kind")
)

// ProposalOperation returns the attributes describing an operation on a proposal.
func ProposalOperation(id uint64, kind contracts.Kind, caller contracts.Address) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrCaller.String(string(caller))}
	if id != 0 {
		attrs = append(attrs, AttrProposalID.Int64(int64(id)))
	}
	if kind != "" {
		attrs = append(attrs, AttrKind.String(string(kind)))
	}
	return attrs
}

var errorKinds = []struct {
	err  error
	kind string
}{
	{contracts.ErrNotOwner, "not_owner"},
	{contracts.ErrNotProposer, "not_proposer"},
	{contracts.ErrInvalidProposalID, "invalid_proposal_id"},
	{contracts.ErrProposalCancelled, "proposal_cancelled"},
	{contracts.ErrProposalAlreadyExecuted, "already_executed"},
	{contracts.ErrDeadlinePassed, "deadline_passed"},
	{contracts.ErrAlreadyApproved, "already_approved"},
	{contracts.ErrInsufficientApprovals, "insufficient_approvals"},
	{contracts.ErrSystemPaused, "system_paused"},
	{contracts.ErrReentrantCall, "reentrant_call"},
	{contracts.ErrExternalCallFailed, "external_call_failed"},
	{contracts.ErrPolicyDenied, "policy_denied"},
}

// ErrorKind returns a low-cardinality label for err.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "validation"
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.SplitN(err.Error(), "\n", 2)[0])
		return
	}
	span.SetStatus(codes.Ok, "")
}
