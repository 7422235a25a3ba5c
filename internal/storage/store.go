// Package storage implements the abstract key/value store described by
// spec.md §4.1: named collections, atomic compare-and-swap, and a
// blocking flush. Higher layers (registry blobs, container/process
// records, network allocations) serialize their own values; storage
// only ever sees opaque bytes.
package storage

import "context"

// Store is the KV contract every collection-scoped consumer in jailrun
// depends on. Collection names are the ones enumerated in spec.md §3:
// Blobs, Images, ContainerConfig, ContainerProcesses, ContainerStdio,
// ContainerPTY, NetworkState.
type Store interface {
	// Get returns the value stored at (collection, key), or ok=false if
	// absent.
	Get(ctx context.Context, collection, key string) (value []byte, ok bool, err error)
	// Put unconditionally writes value at (collection, key).
	Put(ctx context.Context, collection, key string, value []byte) error
	// CAS atomically transitions (collection, key) from old to new.
	// old == nil means "key must not currently exist". new == nil means
	// "delete the key". A conflict (current value != old) returns an
	// error wrapping errs.ErrCASConflict.
	CAS(ctx context.Context, collection, key string, old, new []byte) error
	// Remove deletes (collection, key) unconditionally; it is not an
	// error if the key is already absent.
	Remove(ctx context.Context, collection, key string) error
	// Exists reports whether (collection, key) currently has a value.
	Exists(ctx context.Context, collection, key string) (bool, error)
	// Flush persists any buffered writes, returning once they are
	// persisted, and reports the number of bytes flushed.
	Flush(ctx context.Context) (int64, error)
	// Close releases the underlying engine.
	Close() error
}

// Collection names, per spec.md §3.
const (
	CollBlobs              = "blobs"
	CollImages             = "images"
	CollContainerConfig    = "container_config"
	CollContainerProcesses = "container_processes"
	CollContainerStdio     = "container_stdio"
	CollContainerPTY       = "container_pty"
	CollNetworkState       = "network_state"
)
