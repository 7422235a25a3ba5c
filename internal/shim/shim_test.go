package shim

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenceline/jailrun/internal/storage"
)

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "jailrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStdioTripleRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	triple := StdioTriple{Stdin: "/tmp/in", Stdout: "/tmp/out", Stderr: "/tmp/err", Terminal: false}
	require.NoError(t, SaveStdioTriple(ctx, store, "c1", "", triple))

	got, err := LoadStdioTriple(ctx, store, "c1", "")
	require.NoError(t, err)
	require.Equal(t, triple, got)

	require.NoError(t, RemoveStdioTriple(ctx, store, "c1", ""))
	_, err = LoadStdioTriple(ctx, store, "c1", "")
	require.Error(t, err)
}

func TestBuildPreSpawnHookWiresPlainFiles(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	stdoutPath := filepath.Join(dir, "stdout.log")
	stderrPath := filepath.Join(dir, "stderr.log")
	require.NoError(t, os.WriteFile(stdoutPath, nil, 0o644))
	require.NoError(t, os.WriteFile(stderrPath, nil, 0o644))

	triple := StdioTriple{Stdout: stdoutPath, Stderr: stderrPath, Terminal: false}
	require.NoError(t, SaveStdioTriple(ctx, store, "c1", "", triple))

	mgr := New(store)
	hook, err := mgr.BuildPreSpawnHook(ctx, "c1", "")
	require.NoError(t, err)

	cmd := exec.CommandContext(ctx, "/bin/true")
	require.NoError(t, hook(cmd))
	require.NotNil(t, cmd.Stdout)
	require.NotNil(t, cmd.Stderr)
}

func TestBuildPreSpawnHookAllocatesPTYForTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	triple := StdioTriple{Terminal: true}
	require.NoError(t, SaveStdioTriple(ctx, store, "c1", "", triple))

	mgr := New(store)
	hook, err := mgr.BuildPreSpawnHook(ctx, "c1", "")
	require.NoError(t, err)

	cmd := exec.CommandContext(ctx, "/bin/true")
	require.NoError(t, hook(cmd))
	require.NotNil(t, cmd.Stdin)
	require.NotNil(t, cmd.SysProcAttr)
	require.True(t, cmd.SysProcAttr.Setsid)

	require.NoError(t, mgr.ResizePty("c1", "", 40, 120))
	require.NoError(t, mgr.ClosePTY(ctx, "c1", ""))

	err = mgr.ResizePty("c1", "", 40, 120)
	require.Error(t, err)
}
