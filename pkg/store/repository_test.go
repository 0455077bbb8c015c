package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

func sampleChangeset() Changeset {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Changeset{
		State: contracts.State{
			Owners:         []contracts.Address{"alice", "bob", "carol"},
			Config:         contracts.GovernanceConfig{RequiredApprovals: 2, ProposalDeadline: 24 * time.Hour},
			Pause:          contracts.PauseState{Paused: true, EndTime: created.Add(time.Hour)},
			NextProposalID: 3,
		},
		Proposals: []*contracts.Proposal{
			{
				ID:        1,
				Action:    contracts.Transaction{Target: "vault", Data: []byte{0xde, 0xad}, Value: big.NewInt(42)},
				Proposer:  "alice",
				CreatedAt: created,
				Deadline:  created.Add(24 * time.Hour),
				Executed:  true,
				Approvers: []contracts.Address{"alice", "bob"},
			},
			{
				ID:        2,
				Action:    contracts.Pause{Duration: contracts.Duration(time.Hour)},
				Proposer:  "bob",
				CreatedAt: created,
				Deadline:  created.Add(24 * time.Hour),
				Approvers: []contracts.Address{"bob"},
			},
		},
	}
}

func TestMemoryRepository_EmptyLoad(t *testing.T) {
	_, err := NewMemoryRepository().Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_CommitIsolated(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	cs := sampleChangeset()
	require.NoError(t, repo.Commit(ctx, cs))

	// Mutating the committed values must not leak into the repository.
	cs.State.Owners[0] = "mallory"
	cs.Proposals[1].Approvers = append(cs.Proposals[1].Approvers, "carol")

	snap, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.Address("alice"), snap.State.Owners[0])
	require.Len(t, snap.Proposals, 2)
	assert.Equal(t, []contracts.Address{"bob"}, snap.Proposals[1].Approvers)
}

func TestMemoryRepository_UpsertsProposals(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	cs := sampleChangeset()
	require.NoError(t, repo.Commit(ctx, cs))

	updated := cs.Proposals[1].Clone()
	updated.Cancelled = true
	require.NoError(t, repo.Commit(ctx, Changeset{State: cs.State, Proposals: []*contracts.Proposal{updated}}))

	snap, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Proposals[1].Cancelled)
	assert.True(t, snap.Proposals[0].Executed)
}

func TestMemoryRepository_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NewMemoryRepository().Commit(ctx, sampleChangeset()))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, _, err := Open(context.Background(), "oracle", "")
	assert.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	repo, closeFn, err := Open(context.Background(), "memory", "")
	require.NoError(t, err)
	defer func() { _ = closeFn() }()
	assert.IsType(t, &MemoryRepository{}, repo)
}
