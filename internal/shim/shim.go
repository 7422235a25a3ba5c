// Package shim implements the container-facing half of spec.md §4.8:
// persisting each process's stdio wiring, allocating and resizing a
// PTY when the process is interactive, and building the pre-spawn
// hook internal/lifecycle calls just before starting a command. The
// shim's RPC wire protocol (how a container runtime front-end talks to
// this process) is explicitly out of scope; this package is a library
// a front-end embeds, not a server.
package shim

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/storage"
)

// StdioTriple names the three stdio endpoints for a process, matching
// the shim's original wire format: stdin/stdout/stderr are either
// filesystem paths (FIFOs a front-end created) or, for stdout only, a
// "binary:" URL naming a logging helper to pipe output through. That
// helper receives both stdout and stderr, and Stderr is then ignored.
type StdioTriple struct {
	Stdin    string `json:"stdin"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Terminal bool   `json:"terminal"`
}

func stdioKey(containerID, execID string) string {
	return fmt.Sprintf("%s/%s", containerID, execID)
}

// SaveStdioTriple persists the stdio wiring for containerID/execID
// before the process is started.
func SaveStdioTriple(ctx context.Context, store storage.Store, containerID, execID string, triple StdioTriple) error {
	data, err := json.Marshal(triple)
	if err != nil {
		return fmt.Errorf("encoding stdio triple for %s/%s: %w", containerID, execID, err)
	}
	return store.Put(ctx, storage.CollContainerStdio, stdioKey(containerID, execID), data)
}

// LoadStdioTriple returns the previously saved stdio wiring for
// containerID/execID.
func LoadStdioTriple(ctx context.Context, store storage.Store, containerID, execID string) (StdioTriple, error) {
	data, ok, err := store.Get(ctx, storage.CollContainerStdio, stdioKey(containerID, execID))
	if err != nil {
		return StdioTriple{}, fmt.Errorf("loading stdio triple for %s/%s: %w", containerID, execID, err)
	}
	if !ok {
		return StdioTriple{}, fmt.Errorf("stdio triple %s/%s: %w", containerID, execID, errs.ErrNotFound)
	}
	var triple StdioTriple
	if err := json.Unmarshal(data, &triple); err != nil {
		return StdioTriple{}, fmt.Errorf("decoding stdio triple for %s/%s: %w", containerID, execID, errs.ErrDecode)
	}
	return triple, nil
}

// RemoveStdioTriple drops the persisted stdio wiring, called by the
// CLI's delete command after Runtime.Delete/DeleteExec has removed the
// process record.
func RemoveStdioTriple(ctx context.Context, store storage.Store, containerID, execID string) error {
	return store.Remove(ctx, storage.CollContainerStdio, stdioKey(containerID, execID))
}
