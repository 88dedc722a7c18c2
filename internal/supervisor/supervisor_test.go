package supervisor

import (
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/bridge"
	"github.com/Bidon15/blueprint-manager/internal/ids"
	"github.com/Bidon15/blueprint-manager/internal/runtime"
	"github.com/Bidon15/blueprint-manager/internal/source"
	"github.com/Bidon15/blueprint-manager/internal/tracker"
)

// redirectTransport rewrites every request to hit target instead, mirroring
// the trick internal/source's own tests use to stub out a GitHub release
// download without a real network call.
type redirectTransport struct{ target string }

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := url.Parse(t.target)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}

type fakeHandle struct{ id string }

func (h fakeHandle) ID() string { return h.id }

// fakeBackend simulates a backend whose instance dials the bridge socket and
// pings it shortly after Start, so Spawn's WaitFirstPing can succeed without
// a real subprocess.
type fakeBackend struct {
	kind       runtime.Kind
	startCalls atomic.Int32
	shutdowns  atomic.Int32

	mu      sync.Mutex
	changes map[string]chan blueprint.State
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{kind: runtime.KindNative, changes: map[string]chan blueprint.State{}}
}

func (b *fakeBackend) Kind() runtime.Kind { return b.kind }

func (b *fakeBackend) Start(ctx context.Context, req runtime.StartRequest) (runtime.Handle, error) {
	b.startCalls.Add(1)
	id := req.Instance.ServiceName()

	b.mu.Lock()
	ch := make(chan blueprint.State, 1)
	b.changes[id] = ch
	b.mu.Unlock()

	go func() {
		client, err := bridge.DialUnix(req.BridgeSocket)
		if err != nil {
			return
		}
		defer client.Close()
		_ = client.Ping()
	}()

	return fakeHandle{id: id}, nil
}

func (b *fakeBackend) Status(ctx context.Context, h runtime.Handle) (blueprint.State, error) {
	return blueprint.StateRunning, nil
}

func (b *fakeBackend) WaitStatusChange(ctx context.Context, h runtime.Handle) (blueprint.State, error) {
	b.mu.Lock()
	ch := b.changes[h.ID()]
	b.mu.Unlock()
	if ch == nil {
		<-ctx.Done()
		return blueprint.StateUnknown, ctx.Err()
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return blueprint.StateUnknown, ctx.Err()
	}
}

func (b *fakeBackend) Shutdown(ctx context.Context, h runtime.Handle) error {
	b.shutdowns.Add(1)
	return nil
}

func (b *fakeBackend) finish(id string) {
	b.mu.Lock()
	ch := b.changes[id]
	b.mu.Unlock()
	if ch != nil {
		ch <- blueprint.StateFinished
	}
}

func githubSourceFor(t *testing.T, srv *httptest.Server, f *source.Fetcher) blueprint.Source {
	t.Helper()
	content := []byte("#!/bin/sh\necho hi\n")
	sum := sha256.Sum256(content)
	f.Attestor = source.NoopAttestor{}
	return blueprint.Source{
		Kind: blueprint.SourceGithub,
		Github: &blueprint.GithubSource{
			Owner: "acme", Repo: "bp", Tag: "v1.0.0",
			Binaries: []blueprint.Binary{
				{OS: blueprint.HostOS(), Arch: blueprint.HostArch(), Name: "bp", SHA256: sum},
			},
		},
	}
}

func newTestConfig(t *testing.T, backend runtime.Backend, fetcherOpts ...source.Option) Config {
	t.Helper()
	tr, err := tracker.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	return Config{
		Fetcher:       source.New(t.TempDir(), nil, fetcherOpts...),
		Backend:       backend,
		Tracker:       tr,
		RuntimeDir:    t.TempDir(),
		DataDir:       t.TempDir(),
		BridgeTimeout: 3 * time.Second,
		PortAllocator: bridge.OSPortAllocator{},
	}
}

func TestSupervisor_SpawnReachesRunningAfterPing(t *testing.T) {
	content := []byte("#!/bin/sh\necho hi\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	backend := newFakeBackend()
	cfg := newTestConfig(t, backend, source.WithHTTPClient(&http.Client{Transport: redirectTransport{target: srv.URL}}))

	key := ids.InstanceKey{BlueprintID: 1, ServiceID: 1}
	sup := New(key, cfg, blueprint.DefaultResourceLimits(), blueprint.RestartPolicy{Kind: blueprint.RestartNever}, nil)

	src := githubSourceFor(t, srv, cfg.Fetcher)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	err := sup.Spawn(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, blueprint.StateRunning, sup.State())
	assert.Equal(t, int32(1), backend.startCalls.Load())

	sup.Stop(t.Context(), blueprint.StopOperatorRequested)
	assert.Equal(t, int32(1), backend.shutdowns.Load())
}

func TestSupervisor_SpawnFetchFailureMovesToError(t *testing.T) {
	backend := newFakeBackend()
	cfg := newTestConfig(t, backend)

	key := ids.InstanceKey{BlueprintID: 2, ServiceID: 1}
	sup := New(key, cfg, blueprint.DefaultResourceLimits(), blueprint.RestartPolicy{Kind: blueprint.RestartNever}, nil)

	badSrc := blueprint.Source{
		Kind: blueprint.SourceGithub,
		Github: &blueprint.GithubSource{
			Owner: "acme", Repo: "bp", Tag: "v1.0.0",
			Binaries: []blueprint.Binary{{OS: "nonexistent-os", Arch: "nonexistent-arch", Name: "bp"}},
		},
	}

	err := sup.Spawn(t.Context(), badSrc)
	require.Error(t, err)
	assert.Equal(t, blueprint.StateError, sup.State())
	assert.Equal(t, int32(0), backend.startCalls.Load())
}

func TestSupervisor_UpdateIsNoopWhenHashUnchanged(t *testing.T) {
	content := []byte("#!/bin/sh\necho hi\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	backend := newFakeBackend()
	cfg := newTestConfig(t, backend, source.WithHTTPClient(&http.Client{Transport: redirectTransport{target: srv.URL}}))

	key := ids.InstanceKey{BlueprintID: 3, ServiceID: 1}
	sup := New(key, cfg, blueprint.DefaultResourceLimits(), blueprint.RestartPolicy{Kind: blueprint.RestartNever}, nil)
	src := githubSourceFor(t, srv, cfg.Fetcher)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	require.NoError(t, sup.Spawn(ctx, src))
	require.NoError(t, sup.Update(ctx, src))

	assert.Equal(t, int32(1), backend.startCalls.Load(), "identical descriptor hash must not trigger a restart")
	sup.Stop(t.Context(), blueprint.StopOperatorRequested)
}

// TestSupervisor_RegisterWritesAndConsumesPayload exercises the C7 hook end
// to end (spec.md §4.4, P7): the registration entrypoint learns its output
// path from REGISTRATION_NONCE/DATA_DIR/BLUEPRINT_ID, writes the payload
// there, and Register must read it back, delete it, and never touch the
// tracker or backend.
func TestSupervisor_RegisterWritesAndConsumesPayload(t *testing.T) {
	script := []byte("#!/bin/sh\n" +
		"dir=\"$DATA_DIR/blueprint-$BLUEPRINT_ID-$REGISTRATION_NONCE\"\n" +
		"mkdir -p \"$dir\"\n" +
		"printf 'hello-chain' > \"$dir/registration_inputs.bin\"\n")
	sum := sha256.Sum256(script)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(script)
	}))
	defer srv.Close()

	backend := newFakeBackend()
	cfg := newTestConfig(t, backend, source.WithHTTPClient(&http.Client{Transport: redirectTransport{target: srv.URL}}))
	cfg.Fetcher.Attestor = source.NoopAttestor{}

	key := ids.InstanceKey{BlueprintID: 42, ServiceID: 0}
	sup := New(key, cfg, blueprint.DefaultResourceLimits(), blueprint.RestartPolicy{Kind: blueprint.RestartNever}, nil)

	descriptor := blueprint.Source{
		Kind: blueprint.SourceGithub,
		Github: &blueprint.GithubSource{
			Owner: "acme", Repo: "bp", Tag: "v1.0.0",
			Binaries: []blueprint.Binary{
				{OS: blueprint.HostOS(), Arch: blueprint.HostArch(), Name: "bp", SHA256: sum},
			},
		},
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	payload, err := sup.Register(ctx, descriptor)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello-chain"), payload.Bytes)
	assert.NoFileExists(t, payload.Path, "Register must delete the payload file after reading it")

	assert.Equal(t, int32(0), backend.startCalls.Load(), "registration mode must never start a backend")
	assert.Empty(t, cfg.Tracker.List(func(tracker.Record) bool { return true }), "registration mode must never create a deployment record")
}

func TestSupervisor_RegisterRejectsContainerArtifact(t *testing.T) {
	backend := newFakeBackend()
	cfg := newTestConfig(t, backend)

	key := ids.InstanceKey{BlueprintID: 43, ServiceID: 0}
	sup := New(key, cfg, blueprint.DefaultResourceLimits(), blueprint.RestartPolicy{Kind: blueprint.RestartNever}, nil)

	descriptor := blueprint.Source{
		Kind:           blueprint.SourceContainerImage,
		ContainerImage: &blueprint.ContainerImageSource{Registry: "registry.example", Image: "bp", Tag: "latest"},
	}

	_, err := sup.Register(t.Context(), descriptor)
	require.Error(t, err)
}
