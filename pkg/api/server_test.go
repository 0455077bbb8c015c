package api_test

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jio-gl/multiguard/pkg/api"
	"github.com/jio-gl/multiguard/pkg/auth"
	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/governance"
	"github.com/jio-gl/multiguard/pkg/invoke"
	"github.com/jio-gl/multiguard/pkg/notify"
	"github.com/jio-gl/multiguard/pkg/store"
)

const callerHeader = "X-Multiguard-Caller"

type testServer struct {
	t       *testing.T
	handler http.Handler
	journal *store.Journal
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{t: t, journal: store.NewJournal(), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	router := invoke.NewRouter()
	router.HandleFunc("vault", func(ctx context.Context, data []byte, value *big.Int) ([]byte, error) {
		return []byte("ok"), nil
	})
	engine, err := governance.Open(context.Background(), contracts.Genesis{
		Owners:            []contracts.Address{"alice", "bob", "carol"},
		RequiredApprovals: 2,
		ProposalDeadline:  24 * time.Hour,
	},
		governance.WithClock(func() time.Time { return ts.now }),
		governance.WithInvoker(router),
		governance.WithNotifier(notify.NewJournal(ts.journal)),
	)
	require.NoError(t, err)

	srv := api.NewServer(engine,
		api.WithCaller(auth.Caller),
		api.WithJournal(ts.journal),
		api.WithIdempotency(api.NewMemoryIdempotencyStore(time.Hour)),
		api.WithVersion("1.2.3"),
	)
	ts.handler = auth.RequestIDMiddleware(auth.HeaderMiddleware(callerHeader)(srv.Handler()))
	return ts
}

func (ts *testServer) do(method, path, caller, body string, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestServer_ProposalLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/v1/proposals", "alice", `{"kind":"TRANSACTION","action":{"target":"vault","value":"25"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/v1/proposals/1", w.Header().Get("Location"))
	created := decode[governance.Result](t, w)
	assert.Equal(t, uint64(1), created.ProposalID)
	assert.Equal(t, contracts.StatusActive, created.Status)

	w = ts.do(http.MethodGet, "/v1/proposals/1/approvers", "alice", "")
	assert.Equal(t, []contracts.Address{"alice"}, decode[[]contracts.Address](t, w))

	w = ts.do(http.MethodPost, "/v1/proposals/1/approve", "bob", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decode[governance.Result](t, w)
	assert.Equal(t, contracts.StatusExecuted, approved.Status)

	w = ts.do(http.MethodGet, "/v1/proposals/1", "carol", "")
	view := decode[api.ProposalView](t, w)
	assert.Equal(t, contracts.StatusExecuted, view.Status)
	assert.True(t, view.Proposal.Executed)
	assert.Equal(t, big.NewInt(25), view.Proposal.Action.(contracts.Transaction).Value)

	w = ts.do(http.MethodGet, "/v1/proposals/1/approvers?owner=bob", "carol", "")
	assert.JSONEq(t, `{"owner":"bob","approved":true}`, w.Body.String())

	w = ts.do(http.MethodPost, "/v1/proposals/1/execute", "carol", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_executed", decode[api.ProblemDetail](t, w).Code)
}

func TestServer_GovernanceChanges(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/v1/proposals", "alice", `{"kind":"ADD_OWNER","action":{"owner":"dave"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ts.do(http.MethodPost, "/v1/proposals/1/approve", "carol", "")

	w = ts.do(http.MethodGet, "/v1/owners/dave", "alice", "")
	assert.JSONEq(t, `{"owner":"dave","is_owner":true}`, w.Body.String())
	assert.Len(t, decode[[]contracts.Address](t, ts.do(http.MethodGet, "/v1/owners", "alice", "")), 4)

	w = ts.do(http.MethodPost, "/v1/proposals", "dave", `{"kind":"PAUSE","action":{"duration":"2h"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ts.do(http.MethodPost, "/v1/proposals/2/approve", "alice", "")

	pause := decode[api.PauseView](t, ts.do(http.MethodGet, "/v1/pause", "alice", ""))
	assert.True(t, pause.Paused)
	assert.Equal(t, int64(7200), pause.RemainingSeconds)

	w = ts.do(http.MethodPost, "/v1/proposals", "alice", `{"kind":"UNPAUSE"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "system_paused", decode[api.ProblemDetail](t, w).Code)

	cfg := decode[api.ConfigView](t, ts.do(http.MethodGet, "/v1/config", "alice", ""))
	assert.Equal(t, api.ConfigView{RequiredApprovals: 2, ProposalDeadlineSeconds: 86400, OwnerCount: 4, ProposalCount: 2}, cfg)
}

func TestServer_Errors(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name         string
		method, path string
		caller, body string
		status       int
	}{
		{"anonymous create", http.MethodPost, "/v1/proposals", "", `{"kind":"UNPAUSE"}`, http.StatusUnauthorized},
		{"non-owner create", http.MethodPost, "/v1/proposals", "mallory", `{"kind":"ADD_OWNER","action":{"owner":"x"}}`, http.StatusForbidden},
		{"malformed body", http.MethodPost, "/v1/proposals", "alice", `{"kind":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/proposals", "alice", `{"kind":"UNPAUSE","extra":1}`, http.StatusBadRequest},
		{"unknown kind", http.MethodPost, "/v1/proposals", "alice", `{"kind":"SELFDESTRUCT"}`, http.StatusUnprocessableEntity},
		{"invalid threshold", http.MethodPost, "/v1/proposals", "alice", `{"kind":"CHANGE_REQUIRED_APPROVALS","action":{"required":9}}`, http.StatusUnprocessableEntity},
		{"unroutable target", http.MethodPost, "/v1/proposals", "alice", `{"kind":"TRANSACTION","action":{"target":"nowhere"}}`, http.StatusUnprocessableEntity},
		{"unknown proposal", http.MethodGet, "/v1/proposals/42", "alice", "", http.StatusNotFound},
		{"bad id", http.MethodPost, "/v1/proposals/abc/approve", "alice", "", http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/v1/proposals?status=DONE", "alice", "", http.StatusBadRequest},
		{"bad event limit", http.MethodGet, "/v1/events?limit=0", "alice", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(tc.method, tc.path, tc.caller, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
		})
	}
}

func TestServer_CancelAndList(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/v1/proposals", "alice", `{"kind":"ADD_OWNER","action":{"owner":"dave"}}`)
	ts.do(http.MethodPost, "/v1/proposals", "alice", `{"kind":"ADD_OWNER","action":{"owner":"erin"}}`)

	w := ts.do(http.MethodPost, "/v1/proposals/1/cancel", "bob", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(http.MethodPost, "/v1/proposals/1/cancel", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, contracts.StatusCancelled, decode[governance.Result](t, w).Status)

	all := decode[[]api.ProposalView](t, ts.do(http.MethodGet, "/v1/proposals", "bob", ""))
	assert.Len(t, all, 2)
	active := decode[[]api.ProposalView](t, ts.do(http.MethodGet, "/v1/proposals?status=ACTIVE", "bob", ""))
	require.Len(t, active, 1)
	assert.Equal(t, uint64(2), active[0].Proposal.ID)

	ts.now = ts.now.Add(25 * time.Hour)
	expired := decode[[]api.ProposalView](t, ts.do(http.MethodGet, "/v1/proposals?status=EXPIRED", "bob", ""))
	assert.Len(t, expired, 1)

	w = ts.do(http.MethodPost, "/v1/proposals/2/cancel", "bob", "")
	assert.Equal(t, http.StatusOK, w.Code, "any owner may cancel after the deadline")
}

func TestServer_IdempotentCreate(t *testing.T) {
	ts := newTestServer(t)
	body := `{"kind":"ADD_OWNER","action":{"owner":"dave"}}`

	first := ts.do(http.MethodPost, "/v1/proposals", "alice", body, api.IdempotencyHeader, "retry-1")
	second := ts.do(http.MethodPost, "/v1/proposals", "alice", body, api.IdempotencyHeader, "retry-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	cfg := decode[api.ConfigView](t, ts.do(http.MethodGet, "/v1/config", "alice", ""))
	assert.Equal(t, 1, cfg.ProposalCount)
}

func TestServer_Events(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodPost, "/v1/proposals", "alice", `{"kind":"ADD_OWNER","action":{"owner":"dave"}}`)
	ts.do(http.MethodPost, "/v1/proposals/1/approve", "bob", "")

	entries := decode[[]store.JournalEntry](t, ts.do(http.MethodGet, "/v1/events?proposal_id=1", "alice", ""))
	require.Len(t, entries, 4)
	assert.Equal(t, contracts.EventProposalCreated, entries[0].Event.Type)
	assert.Equal(t, uint64(1), entries[0].Sequence)

	owners := decode[[]store.JournalEntry](t, ts.do(http.MethodGet, "/v1/events?type=OWNER_ADDED", "alice", ""))
	require.Len(t, owners, 1)
	assert.Equal(t, "dave", owners[0].Event.Attributes["owner"])

	tail := decode[[]store.JournalEntry](t, ts.do(http.MethodGet, "/v1/events?after=2&limit=1", "alice", ""))
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].Sequence)

	one := decode[store.JournalEntry](t, ts.do(http.MethodGet, "/v1/events/"+tail[0].Event.ID, "alice", ""))
	assert.Equal(t, uint64(3), one.Sequence)
	w := ts.do(http.MethodGet, "/v1/events/no-such-event", "alice", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	verify := decode[map[string]any](t, ts.do(http.MethodGet, "/v1/events/verify", "alice", ""))
	assert.Equal(t, true, verify["valid"])
	assert.Equal(t, float64(4), verify["size"])
}

func TestServer_PublicEndpoints(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = ts.do(http.MethodGet, "/version", "", "")
	assert.JSONEq(t, `{"version":"1.2.3"}`, w.Body.String())

	w = ts.do(http.MethodGet, "/v1/owners", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_EventsWithoutJournal(t *testing.T) {
	engine, err := governance.Open(context.Background(), contracts.Genesis{
		Owners: []contracts.Address{"alice"}, RequiredApprovals: 1, ProposalDeadline: time.Hour,
	})
	require.NoError(t, err)
	h := api.NewServer(engine).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/proposals", strings.NewReader(`{"kind":"UNPAUSE"}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "no caller func configured")
}
