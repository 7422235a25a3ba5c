package builder

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/fenceline/jailrun/internal/digest"
	"github.com/fenceline/jailrun/internal/ociimage"
	"github.com/fenceline/jailrun/internal/registry"
	"github.com/fenceline/jailrun/internal/storage"
)

func buildGzipTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
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

func openTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "jailrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestFetchAndMaterializeEndToEnd exercises the full pipeline against
// an in-process registry: index -> manifest -> config + layer, then
// unpacking into a bundle with a resolved user, per spec.md §4.4.
func TestFetchAndMaterializeEndToEnd(t *testing.T) {
	layerBytes := buildGzipTar(t, map[string]string{"hello.txt": "hi"})
	layerDigest := digest.FromBytes(layerBytes)

	imageConfig := ociimage.Config{
		Architecture: "amd64",
		OS:           "linux",
	}
	imageConfig.Config.Env = []string{"PATH=/usr/bin"}
	imageConfig.Config.Entrypoint = []string{"/bin/sh"}
	imageConfig.Config.Cmd = []string{"-c", "id"}
	imageConfig.Config.WorkingDir = "/"
	imageConfig.Config.User = "1001:1002"
	configBody, err := json.Marshal(imageConfig)
	require.NoError(t, err)
	configDigest := digest.FromBytes(configBody)

	manifest := ociimage.Manifest{}
	manifest.SchemaVersion = 2
	manifest.Config = ociimage.Descriptor{
		MediaType: "application/vnd.oci.image.config.v1+json",
		Digest:    configDigest,
		Size:      int64(len(configBody)),
	}
	manifest.Layers = []ociimage.Descriptor{{
		MediaType: "application/vnd.oci.image.layer.v1.tar+gzip",
		Digest:    layerDigest,
		Size:      int64(len(layerBytes)),
	}}
	manifestBody, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := digest.FromBytes(manifestBody)

	index := ociimage.Index{}
	index.SchemaVersion = 2
	index.Manifests = []ociimage.Descriptor{{
		MediaType: "application/vnd.docker.distribution.manifest.v2+json",
		Digest:    manifestDigest,
		Size:      int64(len(manifestBody)),
		Platform:  &ociimage.Platform{Architecture: "amd64", OS: "linux"},
	}}
	indexBody, err := json.Marshal(index)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write(indexBody)
	})
	mux.HandleFunc("/v2/library/alpine/manifests/"+manifestDigest.String(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write(manifestBody)
	})
	mux.HandleFunc("/v2/library/alpine/blobs/"+configDigest.String(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write(configBody)
	})
	mux.HandleFunc("/v2/library/alpine/blobs/"+layerDigest.String(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write(layerBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := openTestStore(t)
	client := registry.NewClient(srv.URL, srv.Client())
	b := New(store, client)

	var progressed []string
	gotDigest, err := b.Fetch(context.Background(), "alpine", "latest", "amd64", map[string]bool{"linux": true},
		func(name string, read, total int64) { progressed = append(progressed, name) })
	require.NoError(t, err)
	require.Equal(t, manifestDigest, gotDigest)
	require.NotEmpty(t, progressed)

	// Refetching is a cache hit: no second round of HTTP calls needed,
	// and the same digest comes back (spec.md §8 digest idempotence).
	gotDigest2, err := b.Fetch(context.Background(), "alpine", "latest", "amd64", map[string]bool{"linux": true}, nil)
	require.NoError(t, err)
	require.Equal(t, gotDigest, gotDigest2)

	bundleDir := t.TempDir()
	require.NoError(t, b.Materialize(context.Background(), gotDigest, bundleDir))

	data, err := os.ReadFile(filepath.Join(bundleDir, "rootfs", "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	configJSON, err := os.ReadFile(filepath.Join(bundleDir, "config.json"))
	require.NoError(t, err)
	require.Contains(t, string(configJSON), `"uid": 1001`)
	require.Contains(t, string(configJSON), fmt.Sprintf(`"path": "rootfs"`))
}

func TestFetchFailsOnNoMatchingPlatform(t *testing.T) {
	index := ociimage.Index{}
	index.SchemaVersion = 2
	index.Manifests = []ociimage.Descriptor{{
		Platform: &ociimage.Platform{Architecture: "arm64", OS: "linux"},
	}}
	indexBody, err := json.Marshal(index)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write(indexBody)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := openTestStore(t)
	client := registry.NewClient(srv.URL, srv.Client())
	b := New(store, client)

	_, err = b.Fetch(context.Background(), "alpine", "latest", "amd64", map[string]bool{"linux": true}, nil)
	require.Error(t, err)
}
