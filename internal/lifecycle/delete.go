package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/storage"
)

// Delete implements spec.md §4.7's delete/do_delete("") for a
// container's main process: the status must be Stopped or Created, the
// process record is removed, mounts are undone in reverse order, and
// the network is torn down.
func (r *Runtime) Delete(ctx context.Context, containerID string) error {
	record, err := r.getRecord(ctx, containerID, "")
	if err != nil {
		return err
	}
	if record.Status != StatusStopped && record.Status != StatusCreated {
		return fmt.Errorf("deleting %q: %w", containerID, errs.ErrInvalidState)
	}

	if err := r.store.Remove(ctx, storage.CollContainerProcesses, processKey(containerID, "")); err != nil {
		return fmt.Errorf("removing process record for %q: %w", containerID, err)
	}

	spec, err := loadContainerConfig(ctx, r.store, containerID)
	if err != nil {
		return err
	}
	if err := r.unmountAll(spec.Root.Path, spec.Mounts); err != nil {
		return err
	}

	if err := r.network.Teardown(ctx, r.store, containerID); err != nil {
		return fmt.Errorf("tearing down network for %q: %w", containerID, err)
	}

	if record.JID != 0 {
		if err := r.jail.DestroyJail(ctx, record.JID); err != nil {
			return fmt.Errorf("destroying jail %d for %q: %w", record.JID, containerID, err)
		}
	}

	return removeContainerConfig(ctx, r.store, containerID)
}

// DeleteExec implements do_delete for a secondary exec id: only the
// process record is removed, the container's jail and mounts are
// untouched.
func (r *Runtime) DeleteExec(ctx context.Context, containerID, execID string) error {
	if execID == "" {
		return fmt.Errorf("DeleteExec: exec id must be non-empty; use Delete for the main process")
	}
	record, err := r.getRecord(ctx, containerID, execID)
	if err != nil {
		return err
	}
	if record.Status != StatusStopped && record.Status != StatusCreated {
		return fmt.Errorf("deleting %q/%q: %w", containerID, execID, errs.ErrInvalidState)
	}
	return r.store.Remove(ctx, storage.CollContainerProcesses, processKey(containerID, execID))
}

func (r *Runtime) getRecord(ctx context.Context, containerID, execID string) (StatusRecord, error) {
	data, ok, err := r.store.Get(ctx, storage.CollContainerProcesses, processKey(containerID, execID))
	if err != nil {
		return StatusRecord{}, fmt.Errorf("loading process record for %q/%q: %w", containerID, execID, err)
	}
	if !ok {
		return StatusRecord{}, fmt.Errorf("process %q/%q: %w", containerID, execID, errs.ErrNotFound)
	}
	var record StatusRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return StatusRecord{}, fmt.Errorf("decoding process record for %q/%q: %w", containerID, execID, errs.ErrDecode)
	}
	return record, nil
}
