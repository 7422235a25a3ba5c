package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/storage"
)

// Create implements spec.md §4.7's create(bundle, nat_iface?): loads
// the bundle's config.json, mounts every declared filesystem, starts a
// jail over the resolved rootfs, and wires its network.
func (r *Runtime) Create(ctx context.Context, containerID, bundleDir, natIface string) error {
	if _, ok, err := r.store.Get(ctx, storage.CollContainerConfig, containerID); err != nil {
		return fmt.Errorf("checking existing container %q: %w", containerID, err)
	} else if ok {
		return fmt.Errorf("container %q: %w", containerID, errs.ErrAlreadyExists)
	}

	spec, err := loadBundleConfig(bundleDir)
	if err != nil {
		return err
	}

	if err := persistContainerConfig(ctx, r.store, containerID, spec); err != nil {
		return err
	}

	if err := r.mountAll(spec.Root.Path, spec.Mounts); err != nil {
		return err
	}

	jid, err := r.jail.CreateJail(ctx, containerID, spec.Root.Path)
	if err != nil {
		return fmt.Errorf("starting jail for %q: %w: %w", containerID, errs.ErrJailFailure, err)
	}

	if err := r.network.Setup(ctx, r.store, containerID, jid, natIface); err != nil {
		return fmt.Errorf("setting up network for %q: %w", containerID, err)
	}

	created := StatusRecord{OCIVersion: ociVersion, Status: StatusCreated, JID: jid}
	createdData, err := json.Marshal(created)
	if err != nil {
		return fmt.Errorf("encoding created process record for %q: %w", containerID, err)
	}
	if err := r.store.CAS(ctx, storage.CollContainerProcesses, processKey(containerID, ""), nil, createdData); err != nil {
		return fmt.Errorf("persisting created process record for %q: %w", containerID, err)
	}

	return nil
}
