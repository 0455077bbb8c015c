package store

import (
	"context"
	"errors"
	"sync"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

var (
	// ErrNotFound is returned by Load when nothing has been committed yet.
	ErrNotFound = errors.New("not found")
	// ErrCorruptRecord is returned by Load when a stored row fails its
	// integrity checks.
	ErrCorruptRecord = errors.New("corrupt record")
)

// Snapshot is everything needed to rebuild an engine.
type Snapshot struct {
	State     contracts.State
	Proposals []*contracts.Proposal
}

// Changeset is the outcome of one committed top-level operation: the full
// state row plus every proposal created or modified by it.
type Changeset struct {
	State     contracts.State
	Proposals []*contracts.Proposal
}

// Repository persists engine state. Commit must apply a changeset
// atomically: either all of it is durable or none of it is.
type Repository interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, cs Changeset) error
}

// MemoryRepository keeps committed state in process memory.
type MemoryRepository struct {
	mu        sync.Mutex
	state     *contracts.State
	proposals map[uint64]*contracts.Proposal
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{proposals: make(map[uint64]*contracts.Proposal)}
}

func (r *MemoryRepository) Load(ctx context.Context) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		return nil, ErrNotFound
	}
	snap := &Snapshot{State: r.state.Clone()}
	for id := uint64(1); id <= uint64(len(r.proposals)); id++ {
		p, ok := r.proposals[id]
		if !ok {
			break
		}
		snap.Proposals = append(snap.Proposals, p.Clone())
	}
	return snap, nil
}

func (r *MemoryRepository) Commit(ctx context.Context, cs Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	state := cs.State.Clone()
	r.state = &state
	for _, p := range cs.Proposals {
		r.proposals[p.ID] = p.Clone()
	}
	return nil
}
