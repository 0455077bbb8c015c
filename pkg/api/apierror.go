// Package api serves the governance engine over HTTP. Every error response
// is an RFC 7807 Problem Detail.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/observability"
)

// problemTypeBase prefixes the Type URI of every problem.
const problemTypeBase = "https://multiguard.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path.
	Instance string `json:"instance,omitempty"`
	// Code is the stable machine-readable error kind.
	Code string `json:"code,omitempty"`
	// TraceID echoes X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	if problem.Type == "" {
		problem.Type = fmt.Sprintf("%s%d", problemTypeBase, problem.Status)
	}
	if problem.TraceID == "" {
		problem.TraceID = w.Header().Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR is WriteError with the request path as Instance.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail, Instance: r.URL.Path})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// errorStatuses maps engine sentinels to HTTP statuses. First match wins.
var errorStatuses = []struct {
	err    error
	status int
	title  string
}{
	{contracts.ErrNotOwner, http.StatusForbidden, "Not An Owner"},
	{contracts.ErrNotProposer, http.StatusForbidden, "Not The Proposer"},
	{contracts.ErrPolicyDenied, http.StatusForbidden, "Denied By Policy"},
	{contracts.ErrInvalidProposalID, http.StatusNotFound, "Unknown Proposal"},
	{contracts.ErrProposalCancelled, http.StatusConflict, "Proposal Cancelled"},
	{contracts.ErrProposalAlreadyExecuted, http.StatusConflict, "Proposal Already Executed"},
	{contracts.ErrDeadlinePassed, http.StatusConflict, "Proposal Expired"},
	{contracts.ErrAlreadyApproved, http.StatusConflict, "Already Approved"},
	{contracts.ErrInsufficientApprovals, http.StatusConflict, "Insufficient Approvals"},
	{contracts.ErrSystemPaused, http.StatusConflict, "System Paused"},
	{contracts.ErrAlreadyPaused, http.StatusConflict, "System Already Paused"},
	{contracts.ErrNotPaused, http.StatusConflict, "System Not Paused"},
	{contracts.ErrPauseWindowNotElapsed, http.StatusConflict, "Pause Window Not Elapsed"},
	{contracts.ErrReentrantCall, http.StatusConflict, "Reentrant Call"},
	{contracts.ErrExternalCallFailed, http.StatusBadGateway, "External Call Failed"},
	{contracts.ErrDuplicateOwner, http.StatusUnprocessableEntity, "Duplicate Owner"},
	{contracts.ErrUnknownOwner, http.StatusUnprocessableEntity, "Unknown Owner"},
	{contracts.ErrTooManyOwners, http.StatusUnprocessableEntity, "Too Many Owners"},
	{contracts.ErrZeroAddressOwner, http.StatusUnprocessableEntity, "Zero Address Owner"},
	{contracts.ErrInvalidApprovalThreshold, http.StatusUnprocessableEntity, "Invalid Approval Threshold"},
	{contracts.ErrInvalidDeadlineDuration, http.StatusUnprocessableEntity, "Invalid Deadline Duration"},
	{contracts.ErrInvalidPauseDuration, http.StatusUnprocessableEntity, "Invalid Pause Duration"},
	{contracts.ErrInvalidTarget, http.StatusUnprocessableEntity, "Invalid Target"},
	{contracts.ErrInvalidAction, http.StatusUnprocessableEntity, "Invalid Action"},
}

// WriteEngineError maps an engine error to its Problem Detail. Unrecognized
// errors are internal.
func WriteEngineError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			writeProblem(w, &ProblemDetail{
				Title:    m.title,
				Status:   m.status,
				Detail:   err.Error(),
				Instance: r.URL.Path,
				Code:     observability.ErrorKind(err),
			})
			return
		}
	}
	WriteInternal(w, err)
}
