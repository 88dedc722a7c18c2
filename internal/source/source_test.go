package source

import (
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
)

func TestFetchGithub_Success(t *testing.T) {
	content := []byte("#!/bin/sh\necho hi\n")
	sum := sha256.Sum256(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	f := New(t.TempDir(), nil)
	// Redirect the "github release" URL by using a RoundTripper that always
	// answers with the fixed-response test server.
	f.httpClient = srv.Client()
	f.httpClient.Transport = redirectTransport{target: srv.URL}

	src := blueprint.Source{
		Kind: blueprint.SourceGithub,
		Github: &blueprint.GithubSource{
			Owner: "acme", Repo: "bp", Tag: "v1.0.0",
			Binaries: []blueprint.Binary{
				{OS: blueprint.HostOS(), Arch: blueprint.HostArch(), Name: "bp", SHA256: sum},
			},
		},
	}

	artifact, err := f.Fetch(t.Context(), src)
	require.NoError(t, err)
	assert.Equal(t, NativeBinary, artifact.Kind)
	assert.FileExists(t, artifact.Path)
}

func TestFetchGithub_HashMismatch(t *testing.T) {
	content := []byte("actual content")
	wrongSum := sha256.Sum256([]byte("different content"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	f := New(t.TempDir(), nil)
	f.httpClient = srv.Client()
	f.httpClient.Transport = redirectTransport{target: srv.URL}

	src := blueprint.Source{
		Kind: blueprint.SourceGithub,
		Github: &blueprint.GithubSource{
			Owner: "acme", Repo: "bp", Tag: "v1.0.0",
			Binaries: []blueprint.Binary{
				{OS: blueprint.HostOS(), Arch: blueprint.HostArch(), Name: "bp", SHA256: wrongSum},
			},
		},
	}

	_, err := f.Fetch(t.Context(), src)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindHashMismatch, serr.Kind)
}

func TestFetchGithub_NoMatchingBinary(t *testing.T) {
	f := New(t.TempDir(), nil)
	src := blueprint.Source{
		Kind: blueprint.SourceGithub,
		Github: &blueprint.GithubSource{
			Owner: "acme", Repo: "bp", Tag: "v1.0.0",
			Binaries: []blueprint.Binary{
				{OS: "plan9", Arch: "mips", Name: "bp"},
			},
		},
	}
	_, err := f.Fetch(t.Context(), src)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindMissingBinary, serr.Kind)
}

func TestFetchGithub_CacheHitSkipsNetwork(t *testing.T) {
	content := []byte("cached binary contents")
	sum := sha256.Sum256(content)

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(content)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	f := New(cacheDir, nil)
	f.httpClient = srv.Client()
	f.httpClient.Transport = redirectTransport{target: srv.URL}

	src := blueprint.Source{
		Kind: blueprint.SourceGithub,
		Github: &blueprint.GithubSource{
			Owner: "acme", Repo: "bp", Tag: "v1.0.0",
			Binaries: []blueprint.Binary{
				{OS: blueprint.HostOS(), Arch: blueprint.HostArch(), Name: "bp", SHA256: sum},
			},
		},
	}

	_, err := f.Fetch(t.Context(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	_, err = f.Fetch(t.Context(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "second fetch should hit the cache, not the network")
}

// redirectTransport rewrites every request to target, so tests can drive a
// single httptest.Server through code that builds "real" GitHub URLs.
type redirectTransport struct {
	target string
}

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u := *req.URL
	target, err := http.NewRequest(req.Method, rt.target, req.Body)
	if err != nil {
		return nil, err
	}
	_ = u
	return http.DefaultTransport.RoundTrip(target)
}

func TestWriteAtomic_NoPartialFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	err := writeAtomic(dst, failingReader{}, 0o644)
	require.Error(t, err)
	assert.NoFileExists(t, dst)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, assertErr
}

var assertErr = errWriteAtomicTest{}

type errWriteAtomicTest struct{}

func (errWriteAtomicTest) Error() string { return "synthetic read failure" }
