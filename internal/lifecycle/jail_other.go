//go:build !freebsd

package lifecycle

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/fenceline/jailrun/internal/errs"
)

type hostJailBackend struct{}

func newHostJailBackend() JailBackend { return hostJailBackend{} }

func (hostJailBackend) CreateJail(ctx context.Context, name, rootfsPath string) (int, error) {
	return 0, fmt.Errorf("CreateJail: %w", errs.ErrUnsupportedPlatform)
}

func (hostJailBackend) JailByName(ctx context.Context, name string) (int, error) {
	return 0, fmt.Errorf("JailByName: %w", errs.ErrUnsupportedPlatform)
}

func (hostJailBackend) DestroyJail(ctx context.Context, jid int) error {
	return fmt.Errorf("DestroyJail: %w", errs.ErrUnsupportedPlatform)
}

func (hostJailBackend) NewJailedCommand(ctx context.Context, jid int, args []string, env []string, dir string, uid, gid uint32) (*exec.Cmd, error) {
	return nil, fmt.Errorf("NewJailedCommand: %w", errs.ErrUnsupportedPlatform)
}

func (hostJailBackend) KillInJail(ctx context.Context, jid, pid, signal int) error {
	return fmt.Errorf("KillInJail: %w", errs.ErrUnsupportedPlatform)
}

// RunKillHelperIfRequested never intercepts on non-FreeBSD platforms.
func RunKillHelperIfRequested() bool {
	return false
}
