// Package fsmount implements the typed mount/unmount layer described
// by spec.md §4.6: nmount(2)-based mounts, devfs default-deny hardening,
// and bundle-rootfs path safety. The syscalls are FreeBSD-only
// (fsmount_freebsd.go); this file holds the platform-independent
// pieces so they can be unit-tested anywhere.
package fsmount

import (
	"path/filepath"
	"strings"
)

// Mount describes one bundle filesystem to attach, matching the shape
// of an OCI runtime config's "mounts" entries (spec.md §4.6).
type Mount struct {
	Type        string   `json:"type"`
	Source      string   `json:"source,omitempty"`
	Destination string   `json:"destination"`
	Options     []string `json:"options,omitempty"`
}

// DefaultDevfsNodes is the set of device nodes left visible after a
// devfs hide-all, per spec.md §4.6.
var DefaultDevfsNodes = []string{
	"null", "zero", "full", "random", "urandom", "tty", "console", "pts", "pts/*", "fd",
}

// SafeDestination re-prefixes destination under rootfs, dropping any
// "..", ".", or absolute-separator component per spec.md §4.6's path
// safety rule: only Normal components survive.
func SafeDestination(rootfs, destination string) string {
	clean := filepath.Clean("/" + destination)
	parts := strings.Split(clean, string(filepath.Separator))

	var kept []string
	for _, p := range parts {
		switch p {
		case "", ".", "..":
			continue
		default:
			kept = append(kept, p)
		}
	}

	return filepath.Join(append([]string{rootfs}, kept...)...)
}
