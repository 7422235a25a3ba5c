//go:build !freebsd

package fsmount

import (
	"fmt"

	"github.com/fenceline/jailrun/internal/errs"
)

// Mount is unavailable outside FreeBSD: nmount(2) is FreeBSD-specific.
func Mount(m Mount) error {
	return fmt.Errorf("fsmount.Mount: %w", errs.ErrUnsupportedPlatform)
}

// Unmount is unavailable outside FreeBSD.
func Unmount(destination string) error {
	return fmt.Errorf("fsmount.Unmount: %w", errs.ErrUnsupportedPlatform)
}

// HardenDevfs is unavailable outside FreeBSD.
func HardenDevfs(path string) error {
	return fmt.Errorf("fsmount.HardenDevfs: %w", errs.ErrUnsupportedPlatform)
}
