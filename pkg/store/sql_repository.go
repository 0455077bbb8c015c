package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// SchemaVersion is written on first Init and checked on every later one.
const SchemaVersion = "1.0.0"

// schemaConstraint accepts any schema this build can read.
const schemaConstraint = "^1.0.0"

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLRepository implements Repository on database/sql. Queries are written
// with "?" placeholders and rebound for Postgres.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLRepository(db *sql.DB, dialect Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mg_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mg_state (
		id INTEGER PRIMARY KEY,
		required_approvals INTEGER NOT NULL,
		proposal_deadline_ns BIGINT NOT NULL,
		paused BOOLEAN NOT NULL,
		pause_end TEXT NOT NULL,
		next_proposal_id BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mg_owners (
		position INTEGER PRIMARY KEY,
		owner TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS mg_proposals (
		id BIGINT PRIMARY KEY,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		action_digest TEXT NOT NULL,
		proposer TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deadline TEXT NOT NULL,
		executed BOOLEAN NOT NULL,
		cancelled BOOLEAN NOT NULL,
		approvers TEXT NOT NULL
	)`,
}

// Init creates the schema and checks the stored schema version.
func (s *SQLRepository) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	var stored string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM mg_meta WHERE key = ?`), "schema_version").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO mg_meta (key, value) VALUES (?, ?)`), "schema_version", SchemaVersion)
		if err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	return checkSchemaVersion(stored)
}

func checkSchemaVersion(stored string) error {
	v, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("invalid stored schema version %q: %w", stored, err)
	}
	c, err := semver.NewConstraint(schemaConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("stored schema version %s does not satisfy %s", v, schemaConstraint)
	}
	return nil
}

func (s *SQLRepository) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	st := &snap.State

	var (
		deadlineNS int64
		pauseEnd   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT required_approvals, proposal_deadline_ns, paused, pause_end, next_proposal_id FROM mg_state WHERE id = 1`,
	).Scan(&st.Config.RequiredApprovals, &deadlineNS, &st.Pause.Paused, &pauseEnd, &st.NextProposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	st.Config.ProposalDeadline = time.Duration(deadlineNS)
	if st.Pause.EndTime, err = parseTime(pauseEnd); err != nil {
		return nil, fmt.Errorf("state pause_end: %w", err)
	}

	owners, err := s.db.QueryContext(ctx, `SELECT owner FROM mg_owners ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to load owners: %w", err)
	}
	defer func() { _ = owners.Close() }()
	for owners.Next() {
		var o string
		if err := owners.Scan(&o); err != nil {
			return nil, err
		}
		st.Owners = append(st.Owners, contracts.Address(o))
	}
	if err := owners.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, action, action_digest, proposer, created_at, deadline, executed, cancelled, approvers
		FROM mg_proposals
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		snap.Proposals = append(snap.Proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

// scanProposal decodes one row and recomputes its action digest.
func scanProposal(rows *sql.Rows) (*contracts.Proposal, error) {
	var (
		p         contracts.Proposal
		kind      string
		action    string
		digest    string
		proposer  string
		createdAt string
		deadline  string
		approvers string
	)
	if err := rows.Scan(&p.ID, &kind, &action, &digest, &proposer, &createdAt, &deadline, &p.Executed, &p.Cancelled, &approvers); err != nil {
		return nil, err
	}
	a, err := contracts.UnmarshalAction(contracts.Kind(kind), []byte(action))
	if err != nil {
		return nil, fmt.Errorf("proposal %d: %w", p.ID, err)
	}
	got, err := contracts.ActionDigest(a)
	if err != nil {
		return nil, fmt.Errorf("proposal %d: %w", p.ID, err)
	}
	if got != digest {
		return nil, fmt.Errorf("%w: proposal %d action digest %s, stored %s", ErrCorruptRecord, p.ID, got, digest)
	}
	if err := json.Unmarshal([]byte(approvers), &p.Approvers); err != nil {
		return nil, fmt.Errorf("proposal %d approvers: %w", p.ID, err)
	}
	p.Action = a
	p.Proposer = contracts.Address(proposer)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("proposal %d created_at: %w", p.ID, err)
	}
	if p.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("proposal %d deadline: %w", p.ID, err)
	}
	if p.Deadline.IsZero() {
		return nil, fmt.Errorf("%w: proposal %d has no deadline", ErrCorruptRecord, p.ID)
	}
	return &p, nil
}

func (s *SQLRepository) Commit(ctx context.Context, cs Changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	if err := s.apply(ctx, tx, cs); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLRepository) apply(ctx context.Context, tx *sql.Tx, cs Changeset) error {
	st := cs.State
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO mg_state (id, required_approvals, proposal_deadline_ns, paused, pause_end, next_proposal_id)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			required_approvals = excluded.required_approvals,
			proposal_deadline_ns = excluded.proposal_deadline_ns,
			paused = excluded.paused,
			pause_end = excluded.pause_end,
			next_proposal_id = excluded.next_proposal_id`),
		st.Config.RequiredApprovals, int64(st.Config.ProposalDeadline), st.Pause.Paused, formatTime(st.Pause.EndTime), st.NextProposalID,
	)
	if err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mg_owners`); err != nil {
		return fmt.Errorf("failed to reset owners: %w", err)
	}
	for i, o := range st.Owners {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO mg_owners (position, owner) VALUES (?, ?)`), i, string(o)); err != nil {
			return fmt.Errorf("failed to persist owner %s: %w", o, err)
		}
	}

	for _, p := range cs.Proposals {
		if err := s.upsertProposal(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLRepository) upsertProposal(ctx context.Context, tx *sql.Tx, p *contracts.Proposal) error {
	action, err := contracts.MarshalAction(p.Action)
	if err != nil {
		return fmt.Errorf("proposal %d: %w", p.ID, err)
	}
	digest, err := contracts.ActionDigest(p.Action)
	if err != nil {
		return fmt.Errorf("proposal %d: %w", p.ID, err)
	}
	approvers, err := json.Marshal(p.Approvers)
	if err != nil {
		return fmt.Errorf("proposal %d approvers: %w", p.ID, err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO mg_proposals (id, kind, action, action_digest, proposer, created_at, deadline, executed, cancelled, approvers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			executed = excluded.executed,
			cancelled = excluded.cancelled,
			approvers = excluded.approvers`),
		p.ID, string(p.Kind()), string(action), digest, string(p.Proposer),
		formatTime(p.CreatedAt), formatTime(p.Deadline), p.Executed, p.Cancelled, string(approvers),
	)
	if err != nil {
		return fmt.Errorf("failed to persist proposal %d: %w", p.ID, err)
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for Postgres.
func (s *SQLRepository) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reverses formatTime. Only the empty string maps to the zero time.
func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrCorruptRecord, value, err)
	}
	return t, nil
}
