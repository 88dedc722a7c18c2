// Package supervisor implements the C4 per-instance state machine: the
// component that owns a backend handle, a bridge, resource limits and a
// restart policy for one running blueprint instance (spec.md §4.4).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/bridge"
	"github.com/Bidon15/blueprint-manager/internal/ids"
	"github.com/Bidon15/blueprint-manager/internal/metrics"
	"github.com/Bidon15/blueprint-manager/internal/pkg/ulid"
	"github.com/Bidon15/blueprint-manager/internal/runtime"
	"github.com/Bidon15/blueprint-manager/internal/source"
	"github.com/Bidon15/blueprint-manager/internal/tracker"
)

// Env composes the environment injected into every spawned instance
// (spec.md §4.4 step 2: "operator keys path, data dir, chain endpoints,
// service id, blueprint id, runtime-target hints, bridge address").
type Env struct {
	KeystoreURI   string
	DataDir       string
	ChainEndpoints map[string]string
}

// Config bundles the dependencies and timing knobs a Supervisor needs that
// do not vary per instance.
type Config struct {
	Logger        *slog.Logger
	Fetcher       *source.Fetcher
	Backend       runtime.Backend
	Tracker       *tracker.Store
	RuntimeDir    string
	DataDir       string
	Env           Env
	BridgeTimeout time.Duration
	PortAllocator bridge.PortAllocator
}

// Supervisor is the per-instance state machine (spec.md §4.4). Exclusive
// ownership: it owns its backend handle and bridge; Stop releases both in
// order (backend first, then bridge).
type Supervisor struct {
	Key ids.InstanceKey
	cfg Config

	mu            sync.Mutex
	state         blueprint.State
	descriptor    blueprint.Source
	artifact      *source.Artifact
	limits        blueprint.ResourceLimits
	restartPolicy blueprint.RestartPolicy
	args          []string

	backendHandle runtime.Handle
	bridgeSrv     *bridge.Bridge
	recordID      string
	attempt       int

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New builds a Supervisor for key, not yet spawned (state NotStarted).
func New(key ids.InstanceKey, cfg Config, limits blueprint.ResourceLimits, policy blueprint.RestartPolicy, args []string) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BridgeTimeout <= 0 {
		cfg.BridgeTimeout = 30 * time.Second
	}
	return &Supervisor{
		Key:           key,
		cfg:           cfg,
		state:         blueprint.StateNotStarted,
		limits:        limits.WithDefaults(),
		restartPolicy: policy,
		args:          args,
	}
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() blueprint.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next blueprint.State) {
	s.mu.Lock()
	cur := s.state
	if !cur.CanTransition(next) {
		s.cfg.Logger.Warn("supervisor: illegal state transition requested", "instance", s.Key, "from", cur, "to", next)
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.cfg.Logger.Info("supervisor: state transition", "instance", s.Key, "from", cur, "to", next)

	labels := prometheus.Labels{
		"blueprint_id": fmt.Sprintf("%d", s.Key.BlueprintID),
		"service_id":   fmt.Sprintf("%d", s.Key.ServiceID),
	}
	if cur != next {
		curLabels := prometheus.Labels{"blueprint_id": labels["blueprint_id"], "service_id": labels["service_id"], "state": string(cur)}
		metrics.SupervisorState.With(curLabels).Set(0)
	}
	nextLabels := prometheus.Labels{"blueprint_id": labels["blueprint_id"], "service_id": labels["service_id"], "state": string(next)}
	metrics.SupervisorState.With(nextLabels).Set(1)
}

func (s *Supervisor) socketPath() string {
	return filepath.Join(s.cfg.RuntimeDir, s.Key.ServiceName()+".sock")
}

// startBridge picks the bridge transport by backend kind (spec.md §6:
// "Transport: AF_VSOCK for hypervisor" vs. AF_UNIX for everything else) and
// returns the address the spawned instance is told to dial.
func (s *Supervisor) startBridge() (*bridge.Bridge, string, error) {
	if s.cfg.Backend != nil && s.cfg.Backend.Kind() == runtime.KindMicroVM {
		port, err := s.cfg.PortAllocator.Allocate(0)
		if err != nil {
			return nil, "", fmt.Errorf("allocate vsock port: %w", err)
		}
		br, err := bridge.ListenVsock(port, s.cfg.PortAllocator, s.cfg.Logger)
		if err != nil {
			return nil, "", err
		}
		return br, bridge.VsockGuestAddr(port), nil
	}
	br, err := bridge.ListenUnix(s.socketPath(), s.cfg.PortAllocator, s.cfg.Logger)
	if err != nil {
		return nil, "", err
	}
	return br, s.socketPath(), nil
}

// Spawn resolves descriptor's artifact, starts the bridge and backend, and
// waits for the first ping, following spec.md §4.4's seven-step procedure.
func (s *Supervisor) Spawn(ctx context.Context, descriptor blueprint.Source) error {
	s.mu.Lock()
	s.descriptor = descriptor
	s.mu.Unlock()
	return s.doSpawn(ctx)
}

func (s *Supervisor) doSpawn(ctx context.Context) error {
	s.setState(blueprint.StatePending)

	artifact, err := s.cfg.Fetcher.Fetch(ctx, s.descriptor)
	if err != nil {
		s.setState(blueprint.StateError)
		return fmt.Errorf("supervisor: fetch artifact for %s: %w", s.Key, err)
	}
	s.mu.Lock()
	s.artifact = artifact
	s.mu.Unlock()

	// Each spawn attempt (including a restart) gets its own ULID-suffixed
	// deployment record, matching the on-disk dep-<uuid>.json naming: a
	// restart is a new deployment of the same service instance, not a
	// mutation of the old record.
	recordID := "dep-" + ulid.New()
	s.recordID = recordID
	rec := tracker.Record{
		ID:             recordID,
		BlueprintID:    s.Key.BlueprintID,
		ServiceID:      s.Key.ServiceID,
		DeploymentType: s.deploymentType(),
		DeployedAt:     time.Now(),
		Status:         tracker.StatusPending,
		ResourceIDs:    map[string]string{},
		Metadata:       map[string]string{},
	}
	if err := s.cfg.Tracker.Register(rec); err != nil {
		s.setState(blueprint.StateError)
		return fmt.Errorf("supervisor: register deployment record: %w", err)
	}

	br, bridgeAddr, err := s.startBridge()
	if err != nil {
		s.setState(blueprint.StateError)
		return fmt.Errorf("supervisor: start bridge: %w", err)
	}
	s.mu.Lock()
	s.bridgeSrv = br
	s.mu.Unlock()

	env := s.composeEnv(bridgeAddr)

	startReq := runtime.StartRequest{
		Instance:     s.Key,
		Env:          env,
		Args:         s.args,
		Limits:       s.limits,
		BridgeSocket: bridgeAddr,
	}
	if artifact.Kind == source.NativeBinary {
		startReq.ArtifactPath = artifact.Path
	} else {
		startReq.ImageRef = artifact.Ref
	}

	handle, err := s.cfg.Backend.Start(ctx, startReq)
	if err != nil {
		br.Close()
		s.setState(blueprint.StateError)
		s.markRecordFailed()
		return fmt.Errorf("supervisor: backend start: %w", err)
	}
	s.mu.Lock()
	s.backendHandle = handle
	s.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.BridgeTimeout)
	defer cancel()
	if err := br.WaitFirstPing(pingCtx, s.cfg.BridgeTimeout); err != nil {
		_ = s.cfg.Backend.Shutdown(context.Background(), handle)
		br.Close()
		s.setState(blueprint.StateError)
		s.markRecordFailed()
		return fmt.Errorf("supervisor: %w", err)
	}

	rec.Status = tracker.StatusActive
	if err := s.cfg.Tracker.Register(rec); err != nil {
		s.cfg.Logger.Error("supervisor: failed to promote record to active", "instance", s.Key, "err", err)
	}
	s.setState(blueprint.StateRunning)

	s.startWatch(ctx)
	return nil
}

func (s *Supervisor) markRecordFailed() {
	rec, ok := s.cfg.Tracker.GetByID(s.recordID)
	if !ok {
		return
	}
	rec.Status = tracker.StatusFailed
	_ = s.cfg.Tracker.Register(rec)
}

func (s *Supervisor) deploymentType() tracker.DeploymentType {
	switch s.cfg.Backend.Kind() {
	case runtime.KindContainer:
		return tracker.TypeLocalDocker
	case runtime.KindMicroVM:
		return tracker.TypeLocalHypervisor
	default:
		return tracker.TypeBareMetal
	}
}

// composeEnv builds the literal env-var set spec.md §6 names. bridgeAddr is
// either a unix socket path or a "cid:port" AF_VSOCK pair, depending on the
// backend; the caller picks which one applies.
func (s *Supervisor) composeEnv(bridgeAddr string) map[string]string {
	env := map[string]string{
		"BLUEPRINT_ID":      fmt.Sprintf("%d", s.Key.BlueprintID),
		"SERVICE_ID":        fmt.Sprintf("%d", s.Key.ServiceID),
		"KEYSTORE_URI":      s.cfg.Env.KeystoreURI,
		"DATA_DIR":          s.cfg.DataDir,
		"REGISTRATION_MODE": "0",
	}
	if s.cfg.Backend != nil && s.cfg.Backend.Kind() == runtime.KindMicroVM {
		env["BRIDGE_VSOCK_CID:PORT"] = bridgeAddr
	} else {
		env["BRIDGE_SOCKET"] = bridgeAddr
	}
	if v, ok := s.cfg.Env.ChainEndpoints["http_rpc"]; ok {
		env["HTTP_RPC_ENDPOINT"] = v
	}
	if v, ok := s.cfg.Env.ChainEndpoints["ws_rpc"]; ok {
		env["WS_RPC_ENDPOINT"] = v
	}
	return env
}

// Stop tears the instance down for reason, marking the deployment record
// Terminating (the tracker will reap it) and emitting a terminal state.
func (s *Supervisor) Stop(ctx context.Context, reason blueprint.StopReason) error {
	s.stopWatch()

	s.mu.Lock()
	handle := s.backendHandle
	br := s.bridgeSrv
	s.mu.Unlock()

	var firstErr error
	if handle != nil {
		if err := s.cfg.Backend.Shutdown(ctx, handle); err != nil {
			firstErr = fmt.Errorf("supervisor: backend shutdown: %w", err)
		}
	}
	if br != nil {
		if err := br.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("supervisor: bridge close: %w", err)
		}
	}

	if s.recordID != "" {
		if err := s.cfg.Tracker.MarkForTermination(s.recordID); err != nil {
			s.cfg.Logger.Warn("supervisor: mark record terminating failed", "instance", s.Key, "err", err)
		}
	}

	s.setState(blueprint.StateFinished)
	s.cfg.Logger.Info("supervisor: stopped", "instance", s.Key, "reason", reason)
	return firstErr
}

// Update swaps in newDescriptor: a no-op if its artifact hash is unchanged,
// otherwise Stop(OperatorRequested) followed by Spawn(newDescriptor)
// (spec.md §4.4).
func (s *Supervisor) Update(ctx context.Context, newDescriptor blueprint.Source) error {
	s.mu.Lock()
	unchanged := s.artifact != nil && sameHash(s.descriptor, newDescriptor)
	s.mu.Unlock()
	if unchanged {
		return nil
	}
	if err := s.Stop(ctx, blueprint.StopOperatorRequested); err != nil {
		return err
	}
	return s.Spawn(ctx, newDescriptor)
}

func sameHash(a, b blueprint.Source) bool {
	ah, aok := sourceHash(a)
	bh, bok := sourceHash(b)
	return aok && bok && ah == bh
}

func sourceHash(src blueprint.Source) (string, bool) {
	switch src.Kind {
	case blueprint.SourceGithub:
		if src.Github == nil || len(src.Github.Binaries) == 0 {
			return "", false
		}
		return fmt.Sprintf("%x", src.Github.Binaries[0].SHA256), true
	case blueprint.SourceRemoteArchive:
		if src.RemoteArchive == nil || len(src.RemoteArchive.Binaries) == 0 {
			return "", false
		}
		return fmt.Sprintf("%x", src.RemoteArchive.Binaries[0].SHA256), true
	case blueprint.SourceContainerImage:
		if src.ContainerImage == nil {
			return "", false
		}
		return src.ContainerImage.Ref(), true
	default:
		return "", false
	}
}

// startWatch launches the background goroutine that observes the backend's
// status changes and drives the Running -> Error -> (restart) cycle
// (spec.md §4.4 diagram).
func (s *Supervisor) startWatch(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	handle := s.backendHandle
	s.mu.Unlock()

	go func() {
		defer close(s.watchDone)
		s.watchLoop(watchCtx, handle)
	}()
}

func (s *Supervisor) stopWatch() {
	s.mu.Lock()
	cancel := s.watchCancel
	done := s.watchDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Supervisor) watchLoop(ctx context.Context, handle runtime.Handle) {
	for {
		next, err := s.cfg.Backend.WaitStatusChange(ctx, handle)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.cfg.Logger.Warn("supervisor: backend status watch error", "instance", s.Key, "err", err)
			return
		}

		switch next {
		case blueprint.StateFinished:
			s.setState(blueprint.StateFinished)
			if s.recordID != "" {
				_ = s.cfg.Tracker.MarkForTermination(s.recordID)
			}
			return
		case blueprint.StateError:
			s.setState(blueprint.StateError)
			if s.handleRestart(ctx) {
				continue
			}
			return
		default:
			s.setState(next)
		}
	}
}

// handleRestart consults the restart policy after a backend Error and, if
// permitted, re-spawns the same descriptor after backing off. It is never
// consulted after an explicit Stop (spec.md §4.4), since Stop cancels the
// watch loop before this can run.
func (s *Supervisor) handleRestart(ctx context.Context) bool {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	if !s.restartPolicy.Allow(attempt) {
		s.cfg.Logger.Info("supervisor: restart policy exhausted", "instance", s.Key, "attempt", attempt)
		return false
	}

	backoff := s.restartPolicy.Backoff(attempt)
	s.cfg.Logger.Info("supervisor: restarting after backend error", "instance", s.Key, "attempt", attempt, "backoff", backoff)

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return false
	}

	if err := s.doSpawn(ctx); err != nil {
		s.cfg.Logger.Error("supervisor: restart attempt failed", "instance", s.Key, "attempt", attempt, "err", err)
		return false
	}
	return true
}
