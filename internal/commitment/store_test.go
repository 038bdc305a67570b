package commitment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmarket/relayer/internal/pagination"
	"github.com/zkmarket/relayer/internal/testutil"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	hash := "0x000000000000000000000000000000000000000000000000000000000000002a"
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Get(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, &Commitment{
		Hash: hash, Amount: "100", State: StateRegistered, RegisterTx: "0x01", CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, s.Save(ctx, &Commitment{
		Hash: hash, State: StateProven, ProveTx: "0x02", Root: "0xabc", CreatedAt: t0, UpdatedAt: t0.Add(time.Minute),
	}))

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, StateProven, got.State)
	assert.Equal(t, "0x02", got.ProveTx)

	other := "0x0000000000000000000000000000000000000000000000000000000000000007"
	require.NoError(t, s.Save(ctx, &Commitment{
		Hash: other, State: StateRegistered, CreatedAt: t0, UpdatedAt: t0.Add(2 * time.Minute),
	}))

	all, err := s.List(ctx, "", nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, other, all[0].Hash)

	proven, err := s.List(ctx, StateProven, nil, 10)
	require.NoError(t, err)
	require.Len(t, proven, 1)
	assert.Equal(t, hash, proven[0].Hash)

	// Same timestamp as other: ties are broken by hash, descending.
	tie := "0x0000000000000000000000000000000000000000000000000000000000000003"
	require.NoError(t, s.Save(ctx, &Commitment{
		Hash: tie, State: StateRegistered, CreatedAt: t0, UpdatedAt: t0.Add(2 * time.Minute),
	}))

	first, err := s.List(ctx, "", nil, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, other, first[0].Hash)

	rest, err := s.List(ctx, "", &pagination.Cursor{At: first[0].UpdatedAt, ID: first[0].Hash}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, tie, rest[0].Hash)
	assert.Equal(t, hash, rest[1].Hash)

	registered, err := s.List(ctx, StateRegistered, &pagination.Cursor{At: first[0].UpdatedAt, ID: first[0].Hash}, 10)
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, tie, registered[0].Hash)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := &Commitment{Hash: "0x01", State: StateRegistered}
	require.NoError(t, s.Save(ctx, c))
	c.State = StateWithdrawn

	got, err := s.Get(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, got.State)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	storeContract(t, NewPostgresStore(db))
}
