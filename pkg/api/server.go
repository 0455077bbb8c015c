package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/governance"
	"github.com/jio-gl/multiguard/pkg/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Governance is the engine surface the API serves.
type Governance interface {
	Create(ctx context.Context, caller contracts.Address, action contracts.Action) (*governance.Result, error)
	Approve(ctx context.Context, caller contracts.Address, id uint64) (*governance.Result, error)
	Execute(ctx context.Context, caller contracts.Address, id uint64) (*governance.Result, error)
	Cancel(ctx context.Context, caller contracts.Address, id uint64) (*governance.Result, error)

	ListOwners(ctx context.Context) []contracts.Address
	IsOwner(ctx context.Context, id contracts.Address) bool
	Config(ctx context.Context) contracts.GovernanceConfig
	Proposal(ctx context.Context, id uint64) (*contracts.Proposal, error)
	Approvers(ctx context.Context, id uint64) ([]contracts.Address, error)
	HasApproved(ctx context.Context, id uint64, owner contracts.Address) (bool, error)
	ProposalStatus(ctx context.Context, id uint64) (contracts.ProposalStatus, error)
	ListProposals(ctx context.Context, status contracts.ProposalStatus) []*contracts.Proposal
	ProposalCount(ctx context.Context) int
	PauseStatus(ctx context.Context) (bool, time.Duration)
}

// CallerFunc returns the authenticated caller of a request.
type CallerFunc func(ctx context.Context) (contracts.Address, bool)

// Server routes HTTP requests to the engine.
type Server struct {
	engine      Governance
	caller      CallerFunc
	journal     *store.Journal
	idempotency IdempotencyStore
	version     string
	logger      *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCaller sets how the caller is identified. Without it every mutating
// request is unauthorized.
func WithCaller(fn CallerFunc) ServerOption {
	return func(s *Server) { s.caller = fn }
}

// WithJournal exposes the event journal under /v1/events.
func WithJournal(j *store.Journal) ServerOption {
	return func(s *Server) { s.journal = j }
}

// WithIdempotency enables Idempotency-Key replay on POST routes.
func WithIdempotency(st IdempotencyStore) ServerOption {
	return func(s *Server) { s.idempotency = st }
}

// WithVersion sets the string reported by /version.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a Server for engine.
func NewServer(engine Governance, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		caller:  func(context.Context) (contracts.Address, bool) { return "", false },
		version: "dev",
		logger:  slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type route struct {
	method  string
	path    string
	handler http.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		{http.MethodGet, "/healthz", s.handleHealth},
		{http.MethodGet, "/readyz", s.handleHealth},
		{http.MethodGet, "/version", s.handleVersion},

		{http.MethodPost, "/v1/proposals", s.handleCreate},
		{http.MethodGet, "/v1/proposals", s.handleListProposals},
		{http.MethodGet, "/v1/proposals/{id}", s.handleGetProposal},
		{http.MethodGet, "/v1/proposals/{id}/approvers", s.handleApprovers},
		{http.MethodPost, "/v1/proposals/{id}/approve", s.handleApprove},
		{http.MethodPost, "/v1/proposals/{id}/execute", s.handleExecute},
		{http.MethodPost, "/v1/proposals/{id}/cancel", s.handleCancel},

		{http.MethodGet, "/v1/owners", s.handleListOwners},
		{http.MethodGet, "/v1/owners/{owner}", s.handleGetOwner},
		{http.MethodGet, "/v1/config", s.handleConfig},
		{http.MethodGet, "/v1/pause", s.handlePause},

		{http.MethodGet, "/v1/events", s.handleEvents},
		{http.MethodGet, "/v1/events/verify", s.handleVerifyEvents},
		{http.MethodGet, "/v1/events/{id}", s.handleGetEvent},
	}
}

// Routes lists every "METHOD /path" pattern the server handles.
func (s *Server) Routes() []string {
	rs := s.routes()
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.method + " " + r.path
	}
	return out
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, r := range s.routes() {
		mux.HandleFunc(r.method+" "+r.path, r.handler)
	}
	scope := func(r *http.Request) string {
		caller, _ := s.caller(r.Context())
		return string(caller)
	}
	return IdempotencyMiddleware(s.idempotency, scope)(mux)
}

// CreateRequest is the body of POST /v1/proposals.
type CreateRequest struct {
	Kind   contracts.Kind  `json:"kind"`
	Action json.RawMessage `json:"action,omitempty"`
}

// ProposalView is a proposal with its status at read time.
type ProposalView struct {
	Proposal *contracts.Proposal      `json:"proposal"`
	Status   contracts.ProposalStatus `json:"status"`
}

// PauseView reports the effective pause.
type PauseView struct {
	Paused           bool  `json:"paused"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// ConfigView reports the live governance parameters.
type ConfigView struct {
	RequiredApprovals       int   `json:"required_approvals"`
	ProposalDeadlineSeconds int64 `json:"proposal_deadline_seconds"`
	OwnerCount              int   `json:"owner_count"`
	ProposalCount           int   `json:"proposal_count"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// requireCaller writes 401 and returns false when the request is anonymous.
func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request) (contracts.Address, bool) {
	caller, ok := s.caller(r.Context())
	if !ok || caller.IsZero() {
		WriteUnauthorized(w, "")
		return "", false
	}
	return caller, true
}

func proposalID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", fmt.Sprintf("proposal id %q is not a number", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req CreateRequest
	if err := dec.Decode(&req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "Invalid request body")
		return
	}
	action, err := contracts.UnmarshalAction(req.Kind, req.Action)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}

	res, err := s.engine.Create(r.Context(), caller, action)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "proposal created", "proposal_id", res.ProposalID, "kind", req.Kind, "caller", caller, "status", res.Status)
	w.Header().Set("Location", fmt.Sprintf("/v1/proposals/%d", res.ProposalID))
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) transition(op func(context.Context, contracts.Address, uint64) (*governance.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.requireCaller(w, r)
		if !ok {
			return
		}
		id, ok := proposalID(w, r)
		if !ok {
			return
		}
		res, err := op(r.Context(), caller, id)
		if err != nil {
			WriteEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.transition(s.engine.Approve)(w, r)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	s.transition(s.engine.Execute)(w, r)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(s.engine.Cancel)(w, r)
}

func (s *Server) view(ctx context.Context, p *contracts.Proposal) ProposalView {
	status, err := s.engine.ProposalStatus(ctx, p.ID)
	if err != nil {
		status = ""
	}
	return ProposalView{Proposal: p, Status: status}
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	p, err := s.engine.Proposal(r.Context(), id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(r.Context(), p))
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	status := contracts.ProposalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", contracts.StatusActive, contracts.StatusExecuted, contracts.StatusCancelled, contracts.StatusExpired:
	default:
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", fmt.Sprintf("unknown status %q", status))
		return
	}
	list := s.engine.ListProposals(r.Context(), status)
	out := make([]ProposalView, 0, len(list))
	for _, p := range list {
		out = append(out, s.view(r.Context(), p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprovers(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	if owner := r.URL.Query().Get("owner"); owner != "" {
		approved, err := s.engine.HasApproved(r.Context(), id, contracts.ParseAddress(owner))
		if err != nil {
			WriteEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "approved": approved})
		return
	}
	approvers, err := s.engine.Approvers(r.Context(), id)
	if err != nil {
		WriteEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvers)
}

func (s *Server) handleListOwners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListOwners(r.Context()))
}

func (s *Server) handleGetOwner(w http.ResponseWriter, r *http.Request) {
	owner := contracts.ParseAddress(r.PathValue("owner"))
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "is_owner": s.engine.IsOwner(r.Context(), owner)})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.engine.Config(ctx)
	writeJSON(w, http.StatusOK, ConfigView{
		RequiredApprovals:       cfg.RequiredApprovals,
		ProposalDeadlineSeconds: int64(cfg.ProposalDeadline / time.Second),
		OwnerCount:              len(s.engine.ListOwners(ctx)),
		ProposalCount:           s.engine.ProposalCount(ctx),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	paused, remaining := s.engine.PauseStatus(r.Context())
	writeJSON(w, http.StatusOK, PauseView{Paused: paused, RemainingSeconds: int64(remaining / time.Second)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		WriteNotFound(w, "event journal not configured")
		return
	}
	q := r.URL.Query()
	filter := store.JournalFilter{Type: contracts.EventType(q.Get("type")), MaxResults: 100}
	for name, dst := range map[string]*uint64{"proposal_id": &filter.ProposalID, "after": &filter.AfterSeq} {
		if v := q.Get(name); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", fmt.Sprintf("%s must be a number", name))
				return
			}
			*dst = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be between 1 and 1000")
			return
		}
		filter.MaxResults = n
	}
	writeJSON(w, http.StatusOK, s.journal.Query(filter))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		WriteNotFound(w, "event journal not configured")
		return
	}
	entry, err := s.journal.Get(r.PathValue("id"))
	if err != nil {
		WriteNotFound(w, fmt.Sprintf("event %q not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleVerifyEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		WriteNotFound(w, "event journal not configured")
		return
	}
	resp := map[string]any{"valid": true, "size": s.journal.Size(), "head": s.journal.Head()}
	if err := s.journal.VerifyChain(); err != nil {
		s.logger.ErrorContext(r.Context(), "event journal failed verification", "error", err)
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
