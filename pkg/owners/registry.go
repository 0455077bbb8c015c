// Package owners maintains the set of principals authorized to propose and
// approve governed actions.
package owners

import (
	"fmt"
	"slices"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

// Registry is a dense owner list plus an id->index side map, updated together
// so membership, add and remove are all O(1). It is not safe for concurrent
// use; the engine serializes access.
//
// The registry does not enforce the quorum invariant. Callers must check
// resulting size against the required approvals before Remove.
type Registry struct {
	list  []contracts.Address
	index map[contracts.Address]int
	max   int
}

// NewRegistry builds a registry from an initial owner list.
func NewRegistry(initial []contracts.Address) (*Registry, error) {
	r := &Registry{
		list:  make([]contracts.Address, 0, len(initial)),
		index: make(map[contracts.Address]int, len(initial)),
		max:   contracts.MaxOwners,
	}
	for _, o := range initial {
		if err := r.Add(o); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Contains reports whether id is an owner.
func (r *Registry) Contains(id contracts.Address) bool {
	_, ok := r.index[id]
	return ok
}

// Len returns the number of owners.
func (r *Registry) Len() int {
	return len(r.list)
}

// Full reports whether another owner would exceed MaxOwners.
func (r *Registry) Full() bool {
	return len(r.list) >= r.max
}

// List returns a copy of the owners. Order is insertion order until a
// removal swaps the last entry into the freed slot; it carries no meaning.
func (r *Registry) List() []contracts.Address {
	return slices.Clone(r.list)
}

// Add appends id.
func (r *Registry) Add(id contracts.Address) error {
	if id.IsZero() {
		return contracts.ErrZeroAddressOwner
	}
	if r.Contains(id) {
		return fmt.Errorf("%w: %s", contracts.ErrDuplicateOwner, id)
	}
	if r.Full() {
		return fmt.Errorf("%w: limit %d", contracts.ErrTooManyOwners, r.max)
	}
	r.index[id] = len(r.list)
	r.list = append(r.list, id)
	return nil
}

// Remove swaps id with the last entry and truncates.
func (r *Registry) Remove(id contracts.Address) error {
	i, ok := r.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownOwner, id)
	}
	last := len(r.list) - 1
	moved := r.list[last]
	r.list[i] = moved
	r.index[moved] = i
	r.list[last] = contracts.ZeroAddress
	r.list = r.list[:last]
	delete(r.index, id)
	return nil
}

// Snapshot returns the exact list so Restore can reproduce it.
func (r *Registry) Snapshot() []contracts.Address {
	return slices.Clone(r.list)
}

// Restore replaces the registry content with a prior Snapshot.
func (r *Registry) Restore(snapshot []contracts.Address) {
	r.list = slices.Clone(snapshot)
	r.index = make(map[contracts.Address]int, len(r.list))
	for i, o := range r.list {
		r.index[o] = i
	}
}
