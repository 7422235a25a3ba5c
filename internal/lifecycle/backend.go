package lifecycle

import (
	"context"
	"os/exec"

	"github.com/fenceline/jailrun/internal/fsmount"
	"github.com/fenceline/jailrun/internal/netjail"
	"github.com/fenceline/jailrun/internal/storage"
)

// JailBackend is the FreeBSD jail-facing half of the runtime, isolated
// behind an interface so the state-machine logic in this package can
// be exercised on any platform with a fake. The real implementation
// (jail_freebsd.go) uses jail_set/jail_get/jail_remove and attaches
// spawned commands to a jail via the Go runtime's FreeBSD SysProcAttr
// support; jail_other.go stubs it with errs.ErrUnsupportedPlatform.
type JailBackend interface {
	// CreateJail starts a new jail named name rooted at rootfsPath with
	// the vnet/raw-sockets/statfs parameters spec.md §4.7 requires.
	CreateJail(ctx context.Context, name, rootfsPath string) (jid int, err error)
	// JailByName resolves a running jail's id by name.
	JailByName(ctx context.Context, name string) (jid int, err error)
	// DestroyJail removes jid.
	DestroyJail(ctx context.Context, jid int) error
	// NewJailedCommand builds a Cmd that, when started, runs inside jid
	// with the given working directory, environment, and credentials.
	NewJailedCommand(ctx context.Context, jid int, args []string, env []string, dir string, uid, gid uint32) (*exec.Cmd, error)
	// KillInJail delivers signal to pid from inside jid, per spec.md
	// §4.7's fork+jail_attach kill implementation.
	KillInJail(ctx context.Context, jid, pid, signal int) error
}

// Mounter is the filesystem-facing half of the runtime, mirroring
// internal/fsmount's platform split so tests can substitute a fake.
type Mounter interface {
	Mount(m fsmount.Mount) error
	Unmount(destination string) error
	HardenDevfs(path string) error
}

type realMounter struct{}

func (realMounter) Mount(m fsmount.Mount) error   { return fsmount.Mount(m) }
func (realMounter) Unmount(dest string) error     { return fsmount.Unmount(dest) }
func (realMounter) HardenDevfs(path string) error { return fsmount.HardenDevfs(path) }

// NetworkBackend is the networking half of the runtime, mirroring
// internal/netjail's Setup/Teardown so tests can substitute a fake.
type NetworkBackend interface {
	Setup(ctx context.Context, store storage.Store, containerID string, jid int, natIface string) error
	Teardown(ctx context.Context, store storage.Store, containerID string) error
}

type realNetworkBackend struct{}

func (realNetworkBackend) Setup(ctx context.Context, store storage.Store, containerID string, jid int, natIface string) error {
	return netjail.Setup(ctx, store, containerID, jid, natIface)
}

func (realNetworkBackend) Teardown(ctx context.Context, store storage.Store, containerID string) error {
	return netjail.Teardown(ctx, store, containerID)
}
