package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func buildLayer(t *testing.T, files map[string]string, dirs []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, d := range dirs {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: d, Typeflag: tar.TypeDir, Mode: 0o755}))
	}
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestEntriesListsAllPaths(t *testing.T) {
	layer := buildLayer(t, map[string]string{"a.txt": "a", "dir/b.txt": "b"}, []string{"dir/"})
	entries, err := NewReader(bytes.NewReader(layer)).Entries()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.txt", "dir/", "dir/b.txt"}, entries)
}

func TestExtractWritesFilesAndSkipsIgnored(t *testing.T) {
	layer := buildLayer(t, map[string]string{
		"keep.txt":      "keep",
		"dir/.wh.file":  "",
		"dir/kept.txt":  "kept",
	}, []string{"dir/"})

	dest := t.TempDir()
	err := NewReader(bytes.NewReader(layer)).Extract(dest, IsWhiteout)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "keep.txt"))
	require.NoError(t, err)
	require.Equal(t, "keep", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "dir", "kept.txt"))
	require.NoError(t, err)
	require.Equal(t, "kept", string(data))

	_, err = os.Stat(filepath.Join(dest, "dir", ".wh.file"))
	require.True(t, os.IsNotExist(err), "whiteout marker must not be extracted")
}

func TestWhiteoutTarget(t *testing.T) {
	target, ok := WhiteoutTarget("dir/.wh.file")
	require.True(t, ok)
	require.Equal(t, filepath.Join("dir", "file"), target)

	_, ok = WhiteoutTarget("dir/.wh..wh..opq")
	require.False(t, ok)
	require.True(t, IsOpaqueWhiteout("dir/.wh..wh..opq"))
}

func TestSafeJoinNeutralizesTraversal(t *testing.T) {
	dest := t.TempDir()
	layer := buildLayer(t, map[string]string{"../../etc/passwd": "pwned"}, nil)
	err := NewReader(bytes.NewReader(layer)).Extract(dest, nil)
	require.NoError(t, err)

	// ".." components are dropped, not honored: the entry lands inside
	// dest, never above it.
	data, err := os.ReadFile(filepath.Join(dest, "etc", "passwd"))
	require.NoError(t, err)
	require.Equal(t, "pwned", string(data))

	_, err = os.Stat(filepath.Join(filepath.Dir(dest), "etc", "passwd"))
	require.True(t, os.IsNotExist(err))
}
