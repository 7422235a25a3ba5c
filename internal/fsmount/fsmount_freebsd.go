//go:build freebsd

package fsmount

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mount attaches m.Type at m.Destination via nmount(2), building the
// name/value iovec array the way original_source's
// libknast/src/filesystem/mount.rs does: fstype/fspath/from plus one
// key/value pair per option, and a scratch errmsg buffer.
func Mount(m Mount) error {
	var iov []unix.Iovec

	appendPair := func(key, value string) {
		iov = append(iov, cStringIovec(key), cStringIovec(value))
	}

	for _, opt := range m.Options {
		key, value, _ := splitOption(opt)
		appendPair(key, value)
	}

	appendPair("fstype", m.Type)
	appendPair("fspath", m.Destination)
	if m.Source != "" {
		appendPair("from", m.Source)
	} else {
		appendPair("from", m.Type)
	}

	errBuf := make([]byte, 255)
	iov = append(iov, cStringIovec("errmsg"), unix.Iovec{Base: &errBuf[0], Len: uint64(len(errBuf))})

	if err := unix.Nmount(iov, 0); err != nil {
		msg := cString(errBuf)
		if msg != "" {
			return fmt.Errorf("mounting %s on %s: %s: %w", m.Type, m.Destination, msg, err)
		}
		return fmt.Errorf("mounting %s on %s: %w", m.Type, m.Destination, err)
	}
	return nil
}

// Unmount detaches destination with MNT_FORCE, per spec.md §4.6.
func Unmount(destination string) error {
	if err := unix.Unmount(destination, unix.MNT_FORCE); err != nil {
		return fmt.Errorf("unmounting %s: %w", destination, err)
	}
	return nil
}

func splitOption(opt string) (key, value string, hasValue bool) {
	for i := 0; i < len(opt); i++ {
		if opt[i] == '=' {
			return opt[:i], opt[i+1:], true
		}
	}
	return opt, "", false
}

func cStringIovec(s string) unix.Iovec {
	b := append([]byte(s), 0)
	return unix.Iovec{Base: &b[0], Len: uint64(len(b))}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// devfs rule constants and struct, per spec.md §4.6's "(bacts, icond,
// pathptrn) tuples" and grounded in
// original_source/knast/src/filesystem/devfs.rs.
const (
	devfsMagic     = 0xdb0a087a
	devfsRAApply   = 0x80ec4402 // DEVFSIO_RAPPLY
	draBacts       = 0x1
	drbHide        = 0x1
	drbUnhide      = 0x2
	drcPathPattern = 0x2
)

type devfsRule struct {
	Magic    uint32
	ID       uint32
	Icond    int32
	Dswflags int32
	Pathptrn [200]byte
	Iacts    int32
	Bacts    int32
	UID      uint32
	GID      uint32
	Mode     uint32
	Incset   uint32
}

// HardenDevfs applies "hide all" to the devfs mounted at path, then
// unhides DefaultDevfsNodes, per spec.md §4.6.
func HardenDevfs(path string) error {
	if err := applyDevfsRule(path, drbHide, ""); err != nil {
		return fmt.Errorf("hiding devfs nodes at %s: %w", path, err)
	}
	for _, node := range DefaultDevfsNodes {
		if err := applyDevfsRule(path, drbUnhide, node); err != nil {
			return fmt.Errorf("unhiding %s at %s: %w", node, path, err)
		}
	}
	return nil
}

func applyDevfsRule(path string, bacts int32, pattern string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var rule devfsRule
	rule.Magic = devfsMagic
	rule.Iacts = draBacts
	rule.Bacts = bacts
	if pattern != "" {
		rule.Icond = drcPathPattern
		copy(rule.Pathptrn[:], pattern)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), devfsRAApply, uintptr(unsafe.Pointer(&rule)))
	if errno != 0 {
		return errno
	}
	return nil
}
