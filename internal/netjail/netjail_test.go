package netjail

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenceline/jailrun/internal/storage"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "jailrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInitPoolIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, InitPool(ctx, store, "10.0.0.0/30"))
	require.NoError(t, InitPool(ctx, store, "10.0.0.0/30")) // second call must not error
}

func TestAllocateReturnsHighestAddressFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// /30 has two usable host addresses: .1 and .2.
	require.NoError(t, InitPool(ctx, store, "10.0.0.0/30"))

	first, err := Allocate(ctx, store)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", first.String())

	second, err := Allocate(ctx, store)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", second.String())

	_, err = Allocate(ctx, store)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestFreeReturnsAddressToPool(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, InitPool(ctx, store, "10.0.0.0/30"))

	a, err := Allocate(ctx, store)
	require.NoError(t, err)
	b, err := Allocate(ctx, store)
	require.NoError(t, err)

	require.NoError(t, Free(ctx, store, a))

	reclaimed, err := Allocate(ctx, store)
	require.NoError(t, err)
	require.Equal(t, a.String(), reclaimed.String())

	require.NoError(t, Free(ctx, store, b))
}

func TestAllocationRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := Allocation{Iface: "epair0a", HostAddr: "172.24.0.2", ContainerAddr: "172.24.0.3"}
	require.NoError(t, saveAllocation(ctx, store, "container-1", a))

	got, ok, err := loadAllocation(ctx, store, "container-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a, got)

	_, ok, err = loadAllocation(ctx, store, "no-such-container")
	require.NoError(t, err)
	require.False(t, ok)
}
