package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenceline/jailrun/internal/errs"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), filepath.Join(dir, "jailrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, ok, err := s.Get(ctx, CollBlobs, "sha256:deadbeef")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, CollBlobs, "sha256:deadbeef", []byte("hello")))

	value, ok, err := s.Get(ctx, CollBlobs, "sha256:deadbeef")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), value)
}

func TestCASCreate(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CAS(ctx, CollContainerProcesses, "c1/", nil, []byte("created")))

	err := s.CAS(ctx, CollContainerProcesses, "c1/", nil, []byte("created-again"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrCASConflict))

	value, ok, err := s.Get(ctx, CollContainerProcesses, "c1/")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("created"), value)
}

func TestCASTransitionAndConflict(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CAS(ctx, CollContainerProcesses, "c1/", nil, []byte("Created")))
	require.NoError(t, s.CAS(ctx, CollContainerProcesses, "c1/", []byte("Created"), []byte("Starting")))

	// A stale CAS using the old value now conflicts.
	err := s.CAS(ctx, CollContainerProcesses, "c1/", []byte("Created"), []byte("Running"))
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrCASConflict))

	value, _, err := s.Get(ctx, CollContainerProcesses, "c1/")
	require.NoError(t, err)
	require.Equal(t, []byte("Starting"), value)
}

func TestCASDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Put(ctx, CollContainerConfig, "c1", []byte("cfg")))
	require.NoError(t, s.CAS(ctx, CollContainerConfig, "c1", []byte("cfg"), nil))

	exists, err := s.Exists(ctx, CollContainerConfig, "c1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Remove(ctx, CollNetworkState, "missing"))
	require.NoError(t, s.Put(ctx, CollNetworkState, "pool", []byte("x")))
	require.NoError(t, s.Remove(ctx, CollNetworkState, "pool"))
	require.NoError(t, s.Remove(ctx, CollNetworkState, "pool"))
}

func TestFlushReportsBytes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Put(ctx, CollBlobs, "k", make([]byte, 4096)))
	n, err := s.Flush(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(0))
}
