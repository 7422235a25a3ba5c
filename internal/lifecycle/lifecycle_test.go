package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/require"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/fsmount"
	"github.com/fenceline/jailrun/internal/storage"
)

// fakeJailBackend stands in for real jail(2) calls so the state
// machine can be exercised off FreeBSD: it spawns plain host processes
// instead of attaching them to a jail.
type fakeJailBackend struct {
	nextJID   int
	byName    map[string]int
	destroyed []int
	killed    []killCall
}

type killCall struct{ jid, pid, signal int }

func newFakeJailBackend() *fakeJailBackend {
	return &fakeJailBackend{nextJID: 1, byName: map[string]int{}}
}

func (f *fakeJailBackend) CreateJail(ctx context.Context, name, rootfsPath string) (int, error) {
	jid := f.nextJID
	f.nextJID++
	f.byName[name] = jid
	return jid, nil
}

func (f *fakeJailBackend) JailByName(ctx context.Context, name string) (int, error) {
	jid, ok := f.byName[name]
	if !ok {
		return 0, errs.ErrNotFound
	}
	return jid, nil
}

func (f *fakeJailBackend) DestroyJail(ctx context.Context, jid int) error {
	f.destroyed = append(f.destroyed, jid)
	return nil
}

func (f *fakeJailBackend) NewJailedCommand(ctx context.Context, jid int, args []string, env []string, dir string, uid, gid uint32) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = env
	cmd.Dir = dir
	return cmd, nil
}

func (f *fakeJailBackend) KillInJail(ctx context.Context, jid, pid, signal int) error {
	f.killed = append(f.killed, killCall{jid, pid, signal})
	return nil
}

type fakeMounter struct {
	mounted   []fsmount.Mount
	unmounted []string
	hardened  []string
}

func (m *fakeMounter) Mount(mount fsmount.Mount) error {
	m.mounted = append(m.mounted, mount)
	return nil
}
func (m *fakeMounter) Unmount(destination string) error {
	m.unmounted = append(m.unmounted, destination)
	return nil
}
func (m *fakeMounter) HardenDevfs(path string) error {
	m.hardened = append(m.hardened, path)
	return nil
}

type fakeNetworkBackend struct {
	setupCalls    []string
	teardownCalls []string
}

func (n *fakeNetworkBackend) Setup(ctx context.Context, store storage.Store, containerID string, jid int, natIface string) error {
	n.setupCalls = append(n.setupCalls, containerID)
	return nil
}
func (n *fakeNetworkBackend) Teardown(ctx context.Context, store storage.Store, containerID string) error {
	n.teardownCalls = append(n.teardownCalls, containerID)
	return nil
}

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "jailrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeBundle(t *testing.T, args []string) string {
	t.Helper()
	bundle := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(bundle, "rootfs"), 0o755))

	spec := specs.Spec{
		Version: "1.0",
		Root:    &specs.Root{Path: "rootfs"},
		Process: &specs.Process{
			Cwd:  "/",
			Env:  []string{"PATH=/usr/bin:/bin", "BROKEN"},
			Args: args,
			User: specs.User{UID: 0, GID: 0},
		},
	}
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "config.json"), data, 0o644))
	return bundle
}

func newTestRuntime(t *testing.T) (*Runtime, *fakeJailBackend, *fakeMounter, *fakeNetworkBackend) {
	jail := newFakeJailBackend()
	mount := &fakeMounter{}
	network := &fakeNetworkBackend{}
	r := newWithBackends(openTestStore(t), jail, mount, network)
	return r, jail, mount, network
}

func TestCreateRejectsDuplicateContainer(t *testing.T) {
	r, _, _, _ := newTestRuntime(t)
	bundle := writeBundle(t, []string{"/bin/true"})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", bundle, ""))
	err := r.Create(ctx, "c1", bundle, "")
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestDeleteAfterCreateWithoutStart(t *testing.T) {
	r, jail, _, network := newTestRuntime(t)
	bundle := writeBundle(t, []string{"/bin/true"})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", bundle, ""))

	record, err := r.State(ctx, "c1", "")
	require.NoError(t, err)
	require.Equal(t, StatusCreated, record.Status)

	require.NoError(t, r.Delete(ctx, "c1"))
	require.Len(t, network.teardownCalls, 1)
	require.Contains(t, jail.destroyed, jail.byName["c1"])
}

func TestStartWaitDeleteHappyPath(t *testing.T) {
	r, jail, _, network := newTestRuntime(t)
	bundle := writeBundle(t, []string{"/bin/true"})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", bundle, ""))
	require.Len(t, network.setupCalls, 1)
	require.Contains(t, jail.byName, "c1")

	require.NoError(t, r.Start(ctx, "c1", ExecOptions{}, nil))

	record, err := r.State(ctx, "c1", "")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, record.Status)
	require.NotZero(t, record.PID)

	exitCode, err := r.Wait(ctx, "c1", "")
	require.NoError(t, err)
	require.Equal(t, 0, exitCode)

	record, err = r.State(ctx, "c1", "")
	require.NoError(t, err)
	require.Equal(t, StatusStopped, record.Status)

	require.NoError(t, r.Delete(ctx, "c1"))
	require.Len(t, network.teardownCalls, 1)
	require.Contains(t, jail.destroyed, jail.byName["c1"])
}

func TestWaitIsIdempotentAfterReap(t *testing.T) {
	r, _, _, _ := newTestRuntime(t)
	bundle := writeBundle(t, []string{"/bin/true"})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", bundle, ""))
	require.NoError(t, r.Start(ctx, "c1", ExecOptions{}, nil))

	first, err := r.Wait(ctx, "c1", "")
	require.NoError(t, err)

	second, err := r.Wait(ctx, "c1", "")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDeleteRejectsRunningContainer(t *testing.T) {
	r, _, _, _ := newTestRuntime(t)
	bundle := writeBundle(t, []string{"/bin/sleep", "5"})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", bundle, ""))
	require.NoError(t, r.Start(ctx, "c1", ExecOptions{}, nil))

	err := r.Delete(ctx, "c1")
	require.ErrorIs(t, err, errs.ErrInvalidState)

	require.NoError(t, r.Kill(ctx, "c1", 9))
}

func TestKillRequiresRunningStatus(t *testing.T) {
	r, _, _, _ := newTestRuntime(t)
	bundle := writeBundle(t, []string{"/bin/true"})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", bundle, ""))

	err := r.Kill(ctx, "c1", 15)
	require.Error(t, err)
}

func TestConcurrentExecsOnSameContainerDoNotCorruptRecords(t *testing.T) {
	r, _, _, _ := newTestRuntime(t)
	bundle := writeBundle(t, []string{"/bin/true"})
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", bundle, ""))

	execProcess := &specs.Process{Cwd: "/", Args: []string{"/bin/true"}}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	execIDs := []string{"e1", "e2"}
	for i, execID := range execIDs {
		wg.Add(1)
		go func(i int, execID string) {
			defer wg.Done()
			errs[i] = r.Exec(ctx, "c1", execID, execProcess, ExecOptions{}, nil)
		}(i, execID)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	for _, execID := range execIDs {
		record, err := r.State(ctx, "c1", execID)
		require.NoError(t, err)
		require.NotZero(t, record.PID)
		_, err = r.Wait(ctx, "c1", execID)
		require.NoError(t, err)
	}
}

func TestCreateMountsEveryEntryInOrderAndDeletesInReverse(t *testing.T) {
	r, _, mount, _ := newTestRuntime(t)
	bundle := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(bundle, "rootfs"), 0o755))

	spec := specs.Spec{
		Version: "1.0",
		Root:    &specs.Root{Path: "rootfs"},
		Mounts: []specs.Mount{
			{Destination: "/dev", Type: "devfs"},
			{Destination: "/tmp", Type: "tmpfs"},
		},
		Process: &specs.Process{Cwd: "/", Args: []string{"/bin/true"}},
	}
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "config.json"), data, 0o644))

	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", bundle, ""))
	require.Len(t, mount.mounted, 2)
	require.Equal(t, "devfs", mount.mounted[0].Type)
	require.Len(t, mount.hardened, 1)

	require.NoError(t, r.Start(ctx, "c1", ExecOptions{}, nil))
	_, err = r.Wait(ctx, "c1", "")
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, "c1"))

	require.Len(t, mount.unmounted, 2)
	// Reverse declaration order: /tmp before /dev.
	require.Contains(t, mount.unmounted[0], "tmp")
	require.Contains(t, mount.unmounted[1], "dev")
}
