// Package errs defines the error kinds used across jailrun, per the
// error handling design: sentinel values usable with errors.Is, wrapped
// with fmt.Errorf("...: %w", err) at each layer boundary.
package errs

import "errors"

var (
	// ErrTransport marks an HTTP/connection failure talking to a registry.
	ErrTransport = errors.New("transport error")
	// ErrAuthChallenge marks a malformed WWW-Authenticate header or a
	// failed token-endpoint exchange.
	ErrAuthChallenge = errors.New("auth challenge error")
	// ErrContentHashMismatch marks a digest mismatch between the
	// requested and the computed digest of a fetched blob.
	ErrContentHashMismatch = errors.New("content hash mismatch")
	// ErrDecode marks a JSON/tar/archive parse failure.
	ErrDecode = errors.New("decode error")
	// ErrNoMatchingPlatform marks a manifest index with no entry for
	// the requested architecture/OS.
	ErrNoMatchingPlatform = errors.New("no matching platform")
	// ErrStorageCorruption marks a blob referenced by a manifest/config
	// that is absent from the blob store when it should be present.
	ErrStorageCorruption = errors.New("possible storage corruption")
	// ErrInvalidState marks an illegal lifecycle transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyExists marks an attempt to create an existing container id.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound marks an unknown container/process id.
	ErrNotFound = errors.New("not found")
	// ErrMountFailure marks a failed mount/unmount syscall.
	ErrMountFailure = errors.New("mount failure")
	// ErrJailFailure marks a failed jail_set/jail_attach/jail_remove syscall.
	ErrJailFailure = errors.New("jail failure")
	// ErrNetworkFailure marks a failed bridge/epair/PF operation.
	ErrNetworkFailure = errors.New("network failure")
	// ErrDevfsFailure marks a failed devfs rule application.
	ErrDevfsFailure = errors.New("devfs failure")
	// ErrUserResolution marks a user/group string that could not be
	// mapped to a (uid, gid) pair.
	ErrUserResolution = errors.New("user resolution error")
	// ErrUnsupportedPlatform marks an operation that has no meaningful
	// implementation on the current GOOS (see netjail, fsmount: these
	// subsystems are FreeBSD-only).
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	// ErrCASConflict marks a compare-and-swap conflict in storage.
	ErrCASConflict = errors.New("compare and swap conflict")
)
