package shim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/lifecycle"
	"github.com/fenceline/jailrun/internal/storage"
)

// PTYState records a process's PTY file descriptors, mirroring the
// shim's original (master_fd, slave_fd) storage record. The fds are
// only meaningful for the lifetime of the shim process that opened
// them; Manager additionally keeps the open master file in memory so
// ResizePty can act on it without reopening anything.
type PTYState struct {
	MasterFD int `json:"master_fd"`
	SlaveFD  int `json:"slave_fd"`
}

func ptyKey(containerID, execID string) string {
	return fmt.Sprintf("%s/%s", containerID, execID)
}

// Manager builds pre-spawn hooks for internal/lifecycle.Start/Exec and
// owns the in-memory table of open PTY masters those hooks allocate,
// the same interface-for-testability shape sshimmer.go uses for its
// FileSystem/KeyGenerator dependencies, here applied to PTY ownership
// instead of SSH key material.
type Manager struct {
	store storage.Store

	mu      sync.Mutex
	masters map[string]*os.File // containerID/execID -> open ptmx
	slaves  map[string]*os.File // containerID/execID -> this process's copy of the slave side
}

// New builds a Manager over store.
func New(store storage.Store) *Manager {
	return &Manager{store: store, masters: map[string]*os.File{}, slaves: map[string]*os.File{}}
}

// BuildPreSpawnHook loads the persisted stdio triple for containerID/
// execID and returns a lifecycle.PreSpawnHook that wires cmd's stdio
// accordingly: a PTY pair for an interactive process, plain files (or
// a "binary:"-URL logging helper) otherwise. This is called before
// internal/lifecycle.Start/Exec, which invokes the returned hook right
// before cmd.Start().
func (m *Manager) BuildPreSpawnHook(ctx context.Context, containerID, execID string) (lifecycle.PreSpawnHook, error) {
	triple, err := LoadStdioTriple(ctx, m.store, containerID, execID)
	if err != nil {
		return nil, err
	}

	return func(cmd *exec.Cmd) error {
		if triple.Terminal {
			return m.setupPTY(ctx, containerID, execID, cmd)
		}
		return setupPlainIO(cmd, triple)
	}, nil
}

func (m *Manager) setupPTY(ctx context.Context, containerID, execID string, cmd *exec.Cmd) error {
	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("opening pty for %s/%s: %w", containerID, execID, err)
	}

	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true

	key := ptyKey(containerID, execID)
	m.mu.Lock()
	m.masters[key] = master
	m.slaves[key] = slave
	m.mu.Unlock()

	state := PTYState{MasterFD: int(master.Fd()), SlaveFD: int(slave.Fd())}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding pty state for %s: %w", key, err)
	}
	return m.store.Put(ctx, storage.CollContainerPTY, key, data)
}

func setupPlainIO(cmd *exec.Cmd, triple StdioTriple) error {
	if triple.Stdin != "" {
		f, err := os.Open(triple.Stdin)
		if err != nil {
			return fmt.Errorf("opening stdin %s: %w", triple.Stdin, err)
		}
		cmd.Stdin = f
	}

	if strings.HasPrefix(triple.Stdout, "binary:") {
		return setupBinaryLogger(cmd, triple.Stdout)
	}

	if triple.Stdout != "" {
		f, err := os.OpenFile(triple.Stdout, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening stdout %s: %w", triple.Stdout, err)
		}
		cmd.Stdout = f
	}
	if triple.Stderr != "" {
		f, err := os.OpenFile(triple.Stderr, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening stderr %s: %w", triple.Stderr, err)
		}
		cmd.Stderr = f
	}
	return nil
}

// setupBinaryLogger implements the "binary:" stdout convention: the
// URL's path names a logging helper binary, its query parameters
// become that helper's environment, and the container's combined
// stdout/stderr are piped into the helper's stdin.
func setupBinaryLogger(cmd *exec.Cmd, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing binary logger url %q: %w", rawURL, err)
	}

	logger := exec.Command(u.Path)
	logger.Env = os.Environ()
	for key, values := range u.Query() {
		if len(values) > 0 {
			logger.Env = append(logger.Env, key+"="+values[0])
		}
	}
	pipe, err := logger.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening logger stdin pipe: %w", err)
	}
	if err := logger.Start(); err != nil {
		return fmt.Errorf("starting logging helper %s: %w", u.Path, err)
	}

	cmd.Stdout = pipe
	cmd.Stderr = pipe
	return nil
}

// Master returns the open PTY master allocated for containerID/execID
// by a prior BuildPreSpawnHook call in this process, for a caller that
// wants to attach interactively (copy bytes to/from it directly).
func (m *Manager) Master(containerID, execID string) (*os.File, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	master, ok := m.masters[ptyKey(containerID, execID)]
	return master, ok
}

// ReleaseSlave closes this process's copy of the slave side of
// containerID/execID's PTY, mirroring the original shim's "close(slave)
// after do_start/do_exec returns" step: the child has its own dup of
// the fd from cmd.Start(), so the master only sees EOF once this copy
// is gone too. Callers invoke this right after a terminal Start/Exec
// succeeds.
func (m *Manager) ReleaseSlave(containerID, execID string) error {
	key := ptyKey(containerID, execID)
	m.mu.Lock()
	slave, ok := m.slaves[key]
	delete(m.slaves, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return slave.Close()
}

// ResizePty applies winsize to the PTY master allocated for
// containerID/execID by a prior BuildPreSpawnHook call in this
// process.
func (m *Manager) ResizePty(containerID, execID string, rows, cols uint16) error {
	key := ptyKey(containerID, execID)
	m.mu.Lock()
	master, ok := m.masters[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("resizing pty for %s: %w", key, errs.ErrNotFound)
	}
	return pty.Setsize(master, &pty.Winsize{Rows: rows, Cols: cols})
}

// ClosePTY releases the in-memory master handle for containerID/execID
// (called by the CLI's delete command after Runtime.Delete/DeleteExec)
// and removes its persisted state record.
func (m *Manager) ClosePTY(ctx context.Context, containerID, execID string) error {
	key := ptyKey(containerID, execID)
	m.mu.Lock()
	master, ok := m.masters[key]
	delete(m.masters, key)
	slave, slaveOk := m.slaves[key]
	delete(m.slaves, key)
	m.mu.Unlock()

	if ok {
		_ = master.Close()
	}
	if slaveOk {
		_ = slave.Close()
	}
	return m.store.Remove(ctx, storage.CollContainerPTY, key)
}
