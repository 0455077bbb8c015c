package owners

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

func TestRegistry_AddContains(t *testing.T) {
	r, err := NewRegistry([]contracts.Address{"alice", "bob"})
	require.NoError(t, err)

	assert.True(t, r.Contains("alice"))
	assert.False(t, r.Contains("carol"))
	assert.Equal(t, 2, r.Len())

	require.NoError(t, r.Add("carol"))
	assert.Equal(t, []contracts.Address{"alice", "bob", "carol"}, r.List())

	assert.ErrorIs(t, r.Add("bob"), contracts.ErrDuplicateOwner)
	assert.ErrorIs(t, r.Add(""), contracts.ErrZeroAddressOwner)
}

func TestRegistry_RejectsDuplicateGenesis(t *testing.T) {
	_, err := NewRegistry([]contracts.Address{"alice", "alice"})
	assert.ErrorIs(t, err, contracts.ErrDuplicateOwner)
}

func TestRegistry_Full(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	for i := 0; i < contracts.MaxOwners; i++ {
		require.NoError(t, r.Add(contracts.Address(fmt.Sprintf("owner-%02d", i))))
	}
	assert.True(t, r.Full())
	assert.ErrorIs(t, r.Add("one-too-many"), contracts.ErrTooManyOwners)
}

func TestRegistry_SwapRemove(t *testing.T) {
	r, err := NewRegistry([]contracts.Address{"a", "b", "c", "d"})
	require.NoError(t, err)

	require.NoError(t, r.Remove("b"))
	assert.Equal(t, []contracts.Address{"a", "d", "c"}, r.List())
	assert.False(t, r.Contains("b"))

	// The moved entry must still be removable through its new index.
	require.NoError(t, r.Remove("d"))
	assert.Equal(t, []contracts.Address{"a", "c"}, r.List())

	require.NoError(t, r.Remove("c"))
	require.NoError(t, r.Remove("a"))
	assert.Equal(t, 0, r.Len())

	assert.ErrorIs(t, r.Remove("a"), contracts.ErrUnknownOwner)
}

func TestRegistry_SnapshotRestore(t *testing.T) {
	r, err := NewRegistry([]contracts.Address{"a", "b", "c"})
	require.NoError(t, err)

	snap := r.Snapshot()
	require.NoError(t, r.Remove("a"))
	require.NoError(t, r.Add("z"))

	r.Restore(snap)
	assert.Equal(t, []contracts.Address{"a", "b", "c"}, r.List())
	assert.True(t, r.Contains("a"))
	assert.False(t, r.Contains("z"))
	require.NoError(t, r.Remove("c"))
}
