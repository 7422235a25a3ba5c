//go:build !freebsd

package netjail

import (
	"context"
	"fmt"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/storage"
)

// Setup is unavailable outside FreeBSD: bridges, epairs, and PF are
// FreeBSD-specific kernel facilities (spec.md §9).
func Setup(ctx context.Context, store storage.Store, containerID string, jid int, natIface string) error {
	return fmt.Errorf("netjail.Setup: %w", errs.ErrUnsupportedPlatform)
}

// Teardown is unavailable outside FreeBSD.
func Teardown(ctx context.Context, store storage.Store, containerID string) error {
	return fmt.Errorf("netjail.Teardown: %w", errs.ErrUnsupportedPlatform)
}

// RunHelperIfRequested never intercepts on non-FreeBSD platforms.
func RunHelperIfRequested() bool {
	return false
}
