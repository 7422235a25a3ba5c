package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/fsmount"
	"github.com/fenceline/jailrun/internal/storage"
)

// ExecOptions carries per-invocation knobs for Start/Exec. Terminal is
// tracked separately from the container's main-process terminal
// setting because a single container can run an interactive exec
// alongside a non-interactive main process.
type ExecOptions struct {
	Terminal bool
}

// PreSpawnHook lets callers wire stdio or allocate a PTY on cmd before
// it is started, per spec.md §4.8.
type PreSpawnHook func(cmd *exec.Cmd) error

// Start implements do_start(""): spawns the container's main process
// as declared in its runtime config.
func (r *Runtime) Start(ctx context.Context, containerID string, opts ExecOptions, hook PreSpawnHook) error {
	return r.startOrExec(ctx, containerID, "", nil, opts, hook)
}

// Exec implements do_exec(exec_id, process): spawns an additional
// process inside the same jail. execID must be non-empty.
func (r *Runtime) Exec(ctx context.Context, containerID, execID string, process *specs.Process, opts ExecOptions, hook PreSpawnHook) error {
	if execID == "" {
		return fmt.Errorf("Exec: exec id must be non-empty; use Start for the main process")
	}
	if process == nil {
		return fmt.Errorf("Exec: process spec is required")
	}
	return r.startOrExec(ctx, containerID, execID, process, opts, hook)
}

func (r *Runtime) startOrExec(ctx context.Context, containerID, execID string, processOverride *specs.Process, opts ExecOptions, hook PreSpawnHook) error {
	unlock := r.lockContainer(containerID)
	defer unlock()

	key := processKey(containerID, execID)

	// The main process (execID == "") already has a Created record
	// written by Create; a secondary exec has none yet and starts from
	// scratch here. Either way we CAS from whatever "created" state we
	// find into Starting, so a racing second Start/Exec on the same key
	// loses the CAS instead of clobbering the winner's record.
	existingData, existed, err := r.store.Get(ctx, storage.CollContainerProcesses, key)
	if err != nil {
		return fmt.Errorf("loading process record %q: %w", key, err)
	}
	initialData := existingData
	if existed {
		var existing StatusRecord
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return fmt.Errorf("decoding process record %q: %w", key, errs.ErrDecode)
		}
		if existing.Status != StatusCreated {
			return fmt.Errorf("process %q: %w", key, errs.ErrInvalidState)
		}
	} else {
		initial := StatusRecord{OCIVersion: ociVersion, Status: StatusCreated}
		initialData, err = json.Marshal(initial)
		if err != nil {
			return fmt.Errorf("encoding initial process record: %w", err)
		}
		if err := r.store.CAS(ctx, storage.CollContainerProcesses, key, nil, initialData); err != nil {
			if errors.Is(err, errs.ErrCASConflict) {
				// Lost the race to create this record: the winner's CAS
				// landed first, so per spec.md §8's CAS-linearizability
				// law the loser observes InvalidState, not AlreadyExists.
				return fmt.Errorf("process %q: %w", key, errs.ErrInvalidState)
			}
			return fmt.Errorf("creating process record %q: %w", key, err)
		}
	}

	spec, err := loadContainerConfig(ctx, r.store, containerID)
	if err != nil {
		return err
	}
	process := spec.Process
	if processOverride != nil {
		process = processOverride
	}
	if process == nil || len(process.Args) == 0 {
		return fmt.Errorf("process %q: runtime config: command is required", key)
	}

	env := parseEnv(process.Env)
	cwd := fsmount.SafeDestination(spec.Root.Path, process.Cwd)
	args := process.Args

	starting := StatusRecord{OCIVersion: ociVersion, Status: StatusStarting}
	startingData, err := json.Marshal(starting)
	if err != nil {
		return fmt.Errorf("encoding starting process record: %w", err)
	}
	if err := r.store.CAS(ctx, storage.CollContainerProcesses, key, initialData, startingData); err != nil {
		if errors.Is(err, errs.ErrCASConflict) {
			return fmt.Errorf("process %q: %w", key, errs.ErrInvalidState)
		}
		return fmt.Errorf("transitioning %q to starting: %w", key, err)
	}

	jid, err := r.jail.JailByName(ctx, containerID)
	if err != nil {
		_ = r.transitionToStopped(ctx, key, startingData, nil)
		return fmt.Errorf("resolving jail for %q: %w", containerID, err)
	}

	cmd, err := r.jail.NewJailedCommand(ctx, jid, args, env, cwd, process.User.UID, process.User.GID)
	if err != nil {
		_ = r.transitionToStopped(ctx, key, startingData, nil)
		return fmt.Errorf("preparing command for %q: %w", key, err)
	}

	if hook != nil {
		if err := hook(cmd); err != nil {
			_ = r.transitionToStopped(ctx, key, startingData, nil)
			return fmt.Errorf("pre-spawn hook for %q: %w", key, err)
		}
	}

	if err := cmd.Start(); err != nil {
		_ = r.transitionToStopped(ctx, key, startingData, nil)
		return fmt.Errorf("spawning %q: %w", key, err)
	}

	running := StatusRecord{OCIVersion: ociVersion, Status: StatusRunning, PID: cmd.Process.Pid, JID: jid}
	runningData, err := json.Marshal(running)
	if err != nil {
		return fmt.Errorf("encoding running process record: %w", err)
	}
	if err := r.store.CAS(ctx, storage.CollContainerProcesses, key, startingData, runningData); err != nil {
		return fmt.Errorf("transitioning %q to running: %w", key, err)
	}
	return nil
}

func (r *Runtime) transitionToStopped(ctx context.Context, key string, old []byte, pid *int) error {
	stopped := StatusRecord{OCIVersion: ociVersion, Status: StatusStopped}
	if pid != nil {
		stopped.PID = *pid
	}
	data, err := json.Marshal(stopped)
	if err != nil {
		return err
	}
	return r.store.CAS(ctx, storage.CollContainerProcesses, key, old, data)
}

// parseEnv decodes env entries using the first "=" as separator,
// dropping entries without one, per spec.md §4.7's do_start step.
func parseEnv(entries []string) []string {
	var out []string
	for _, e := range entries {
		if idx := strings.IndexByte(e, '='); idx >= 0 {
			out = append(out, e)
		}
	}
	return out
}

// Wait implements do_wait(exec_id): blocks on the recorded pid,
// records the exit status, and transitions to Stopped. A second call
// after the pid has already been reaped is a no-op that returns the
// previously recorded exit status (spec.md §4.7's idempotence note).
func (r *Runtime) Wait(ctx context.Context, containerID, execID string) (int, error) {
	key := processKey(containerID, execID)
	record, err := r.getRecord(ctx, containerID, execID)
	if err != nil {
		return 0, err
	}

	if record.PID == 0 {
		if record.ExitStatus != nil {
			return *record.ExitStatus, nil
		}
		return 0, nil
	}

	var ws syscall.WaitStatus
	_, err = syscall.Wait4(record.PID, &ws, 0, nil)
	exitCode := ws.ExitStatus()
	if err != nil && !errors.Is(err, syscall.ECHILD) {
		return 0, fmt.Errorf("waiting on pid %d for %q: %w", record.PID, key, err)
	}

	oldData, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encoding process record for %q: %w", key, err)
	}

	exitedAt := time.Now().UTC().Format(time.RFC3339)
	stopped := record
	stopped.Status = StatusStopped
	stopped.PID = 0
	stopped.ExitStatus = &exitCode
	stopped.ExitedAt = &exitedAt
	newData, err := json.Marshal(stopped)
	if err != nil {
		return 0, fmt.Errorf("encoding process record for %q: %w", key, err)
	}
	if err := r.store.CAS(ctx, storage.CollContainerProcesses, key, oldData, newData); err != nil {
		return 0, fmt.Errorf("transitioning %q to stopped: %w", key, err)
	}
	return exitCode, nil
}

// Kill implements kill(signal): requires Running, then delivers signal
// from inside the jail via fork+jail_attach so it lands with the
// jail's security context, per spec.md §4.7.
func (r *Runtime) Kill(ctx context.Context, containerID string, signal int) error {
	record, err := r.getRecord(ctx, containerID, "")
	if err != nil {
		return err
	}
	if record.Status != StatusRunning {
		return fmt.Errorf("killing %q: %w", containerID, errs.ErrInvalidState)
	}
	if err := r.jail.KillInJail(ctx, record.JID, record.PID, signal); err != nil {
		return fmt.Errorf("signaling %q: %w", containerID, err)
	}
	return nil
}

// State implements state(exec_id): reads the record and, if it claims
// Running, corroborates against the live jail, downgrading the
// returned (and opportunistically persisted) snapshot to Stopped if
// the jail is gone.
func (r *Runtime) State(ctx context.Context, containerID, execID string) (StatusRecord, error) {
	record, err := r.getRecord(ctx, containerID, execID)
	if err != nil {
		return StatusRecord{}, err
	}
	if record.Status != StatusRunning {
		return record, nil
	}

	if _, jailErr := r.jail.JailByName(ctx, containerID); jailErr != nil {
		snapshot := record
		snapshot.Status = StatusStopped
		if data, err := json.Marshal(snapshot); err == nil {
			_ = r.store.Put(ctx, storage.CollContainerProcesses, processKey(containerID, execID), data)
		}
		return snapshot, nil
	}
	return record, nil
}
