package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenceline/jailrun/internal/digest"
	"github.com/fenceline/jailrun/internal/errs"
)

func TestParseChallenge(t *testing.T) {
	ch, err := parseChallenge(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:library/alpine:pull"`)
	require.NoError(t, err)
	require.Equal(t, "https://auth.example.com/token", ch.realm)
	require.Equal(t, "registry.example.com", ch.service)
	require.Equal(t, "repository:library/alpine:pull", ch.scope)
}

func TestParseChallengeMissingRealm(t *testing.T) {
	_, err := parseChallenge(`Bearer service="registry.example.com"`)
	require.Error(t, err)
}

// TestFetchIndexOrManifestChallengeFlow exercises the full HEAD ->
// 401+WWW-Authenticate -> token GET -> authenticated GET sequence
// against an in-process server, per spec.md §4.2.
func TestFetchIndexOrManifestChallengeFlow(t *testing.T) {
	const body = `{"schemaVersion":2}`
	var authMux *http.ServeMux
	var registrySrv *httptest.Server

	authMux = http.NewServeMux()
	authSrv := httptest.NewServer(authMux)
	defer authSrv.Close()

	authMux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "registry.example.com", r.URL.Query().Get("service"))
		require.Equal(t, "repository:library/alpine:pull", r.URL.Query().Get("scope"))
		fmt.Fprint(w, `{"token":"test-token"}`)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(
				`Bearer realm="%s/token",service="registry.example.com",scope="repository:library/alpine:pull"`,
				authSrv.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, body)
	})
	registrySrv = httptest.NewServer(mux)
	defer registrySrv.Close()

	c := NewClient(registrySrv.URL, registrySrv.Client())
	got, d, _, err := c.FetchIndexOrManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	require.Equal(t, body, string(got))
	require.Equal(t, digest.FromBytes([]byte(body)), d)
}

func TestFetchIndexOrManifestNoChallenge(t *testing.T) {
	const body = `{"schemaVersion":2}`
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	got, _, _, err := c.FetchIndexOrManifest(context.Background(), "library/alpine", "latest")
	require.NoError(t, err)
	require.Equal(t, body, string(got))
}

func TestFetchIndexOrManifestDigestMismatch(t *testing.T) {
	const body = `{"schemaVersion":2}`
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/sha256:0000000000000000000000000000000000000000000000000000000000000000", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	_, _, _, err := c.FetchIndexOrManifest(context.Background(), "library/alpine",
		"sha256:0000000000000000000000000000000000000000000000000000000000000000")
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrContentHashMismatch)
}

func TestFetchBlobVerifiesDigestAndReportsProgress(t *testing.T) {
	const content = "layer-bytes"
	d := digest.FromBytes([]byte(content))

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/blobs/"+d.String(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprint(w, content)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var lastRead int64
	c := NewClient(srv.URL, srv.Client())
	got, err := c.FetchBlob(context.Background(), "library/alpine", d, "", func(name string, read, total int64) {
		lastRead = read
	})
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.Equal(t, int64(len(content)), lastRead)
}

func TestFetchBlobRejectsCorruptBody(t *testing.T) {
	d := digest.FromBytes([]byte("expected"))

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/blobs/"+d.String(), func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		fmt.Fprint(w, "corrupted")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	_, err := c.FetchBlob(context.Background(), "library/alpine", d, "", nil)
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrContentHashMismatch)
}
