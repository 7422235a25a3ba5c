package lifecycle

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/fenceline/jailrun/internal/fsmount"
)

// mountAll mounts every entry in mounts against rootfs, in declaration
// order, hardening devfs mounts per spec.md §4.6. A failure here does
// not roll back earlier mounts (spec.md §4.7's create step: "A failure
// here does not partially roll back in this design — it is surfaced").
func (r *Runtime) mountAll(rootfs string, mounts []specs.Mount) error {
	for _, m := range mounts {
		dest := fsmount.SafeDestination(rootfs, m.Destination)
		fm := fsmount.Mount{Type: m.Type, Source: m.Source, Destination: dest, Options: m.Options}
		if err := r.mount.Mount(fm); err != nil {
			return fmt.Errorf("mounting %s on %s: %w", m.Type, dest, err)
		}
		if m.Type == "devfs" {
			if err := r.mount.HardenDevfs(dest); err != nil {
				return fmt.Errorf("hardening devfs at %s: %w", dest, err)
			}
		}
	}
	return nil
}

// unmountAll unmounts every entry in mounts in reverse declaration
// order, per spec.md §4.7's delete step.
func (r *Runtime) unmountAll(rootfs string, mounts []specs.Mount) error {
	for i := len(mounts) - 1; i >= 0; i-- {
		dest := fsmount.SafeDestination(rootfs, mounts[i].Destination)
		if err := r.mount.Unmount(dest); err != nil {
			return fmt.Errorf("unmounting %s: %w", dest, err)
		}
	}
	return nil
}
