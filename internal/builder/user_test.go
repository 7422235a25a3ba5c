package builder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFixtureRootfs(t *testing.T) string {
	t.Helper()
	rootfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(rootfs, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc", "passwd"),
		[]byte("# comment\nroot:x:0:0:root:/root:/bin/sh\ntests:x:977:977:Test User:/home/tests:/bin/sh\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rootfs, "etc", "group"),
		[]byte("# comment\nroot:x:0:\ngames:x:13:\n"), 0o644))
	return rootfs
}

func TestResolveUserNumericNeverTouchesFiles(t *testing.T) {
	uid, gid, err := ResolveUser("1001:1002", filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Equal(t, uint32(1001), uid)
	require.Equal(t, uint32(1002), gid)
}

func TestResolveUserNamesFromFixtures(t *testing.T) {
	rootfs := writeFixtureRootfs(t)

	uid, gid, err := ResolveUser("tests:games", rootfs)
	require.NoError(t, err)
	require.Equal(t, uint32(977), uid)
	require.Equal(t, uint32(13), gid)
}

func TestResolveUserUnknownNameFails(t *testing.T) {
	rootfs := writeFixtureRootfs(t)

	_, _, err := ResolveUser("testsa:13", rootfs)
	require.Error(t, err)
}

func TestResolveUserEmptyDefaultsToRoot(t *testing.T) {
	uid, gid, err := ResolveUser("", filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Equal(t, uint32(0), uid)
	require.Equal(t, uint32(0), gid)
}

func TestResolveUserSingleNameUsesPrimaryGroup(t *testing.T) {
	rootfs := writeFixtureRootfs(t)

	uid, gid, err := ResolveUser("tests", rootfs)
	require.NoError(t, err)
	require.Equal(t, uint32(977), uid)
	require.Equal(t, uint32(977), gid)
}
