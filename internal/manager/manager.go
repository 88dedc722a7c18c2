// Package manager is the top-level wiring point: it owns the tracker, the
// live supervisor map, the protocol event loop and the status HTTP server,
// hands its supervisors to the shutdown coordinator through Instances, and
// implements protocol.Dispatcher so the
// event loop can drive supervisors without knowing how they are stored
// (spec.md §4.6/§4.4, SPEC_FULL.md's manager module).
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/bridge"
	"github.com/Bidon15/blueprint-manager/internal/httpapi"
	"github.com/Bidon15/blueprint-manager/internal/ids"
	"github.com/Bidon15/blueprint-manager/internal/protocol"
	"github.com/Bidon15/blueprint-manager/internal/runtime"
	"github.com/Bidon15/blueprint-manager/internal/shutdown"
	"github.com/Bidon15/blueprint-manager/internal/source"
	"github.com/Bidon15/blueprint-manager/internal/supervisor"
	"github.com/Bidon15/blueprint-manager/internal/tracker"
)

// serviceFunc adapts a plain function to suture.Service, for the two
// long-running loops (reaper, status HTTP server) that don't otherwise have
// a Serve(ctx) error method.
type serviceFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (s serviceFunc) Serve(ctx context.Context) error { return s.fn(ctx) }
func (s serviceFunc) String() string                  { return s.name }

// Config bundles everything Manager needs to construct its supervisors and
// its status surface.
type Config struct {
	Logger *slog.Logger

	DataDir    string
	CacheDir   string
	RuntimeDir string

	KeystoreURI    string
	ChainEndpoints map[string]string

	// Submitter forwards a completed registration payload on-chain
	// (spec.md §4.4's "forwards them to the on-chain client for
	// submission"). Optional: nil means registration payloads are
	// collected and logged but never submitted.
	Submitter protocol.Submitter

	BridgeTimeout  time.Duration
	ReaperInterval time.Duration

	DefaultRestartPolicy blueprint.RestartPolicy

	HTTPAddr string
}

// Manager owns the live set of supervisors, keyed by instance, plus the
// shared dependencies every supervisor is built from.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	fetcher *source.Fetcher
	backend runtime.Backend
	tracker *tracker.Store
	reaper  *tracker.Reaper

	mu          sync.Mutex
	supervisors map[ids.InstanceKey]*supervisor.Supervisor

	regMu    sync.Mutex
	regLocks map[ids.BlueprintID]*sync.Mutex

	http *httpapi.Server
	tree *suture.Supervisor
}

// New wires a Manager around the given runtime backend: opens the tracker
// store, builds the source fetcher, constructs the reaper's cleanup handler
// table, and builds (but does not start) the status HTTP server.
func New(cfg Config, backend runtime.Backend) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store, err := tracker.Open(cfg.DataDir, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("manager: open tracker: %w", err)
	}

	handlers := tracker.DefaultHandlers(cfg.Logger, "docker", nil, nil)
	reaper := tracker.NewReaper(store, handlers, cfg.Logger, cfg.ReaperInterval)

	m := &Manager{
		cfg:         cfg,
		logger:      cfg.Logger,
		fetcher:     source.New(cfg.CacheDir, cfg.Logger),
		backend:     backend,
		tracker:     store,
		reaper:      reaper,
		supervisors: make(map[ids.InstanceKey]*supervisor.Supervisor),
		regLocks:    make(map[ids.BlueprintID]*sync.Mutex),
	}

	m.http = httpapi.New(httpapi.Config{
		Logger:      cfg.Logger,
		Addr:        cfg.HTTPAddr,
		Tracker:     store,
		Supervisors: m.snapshotSupervisors,
	})

	m.tree = suture.New("blueprint-manager", suture.Spec{})
	m.tree.Add(serviceFunc{name: "reaper", fn: func(ctx context.Context) error {
		m.reaper.Run(ctx)
		return nil
	}})
	m.tree.Add(serviceFunc{name: "httpapi", fn: func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.http.Shutdown(shutCtx)
		}()
		return m.http.ListenAndServe()
	}})

	return m, nil
}

// AddProtocolLoop registers the chain event loop as a supervised service.
// Called once by cmd/manager after the protocol clients are constructed
// from config.
func (m *Manager) AddProtocolLoop(loop *protocol.Loop) {
	m.tree.Add(serviceFunc{name: "protocol-loop", fn: loop.Run})
}

// Run starts the supervision tree (reaper, status HTTP server, and the
// protocol loop once added) and blocks until ctx is cancelled or a
// supervised service fails unrecoverably. Mirrors the supervision-tree
// pattern suture itself documents: failures are isolated and restarted
// per-service rather than crashing the whole process.
func (m *Manager) Run(ctx context.Context) error {
	return m.tree.Serve(ctx)
}

// Close releases the tracker store (and, through it, its advisory file
// lock). It does not stop any supervisor; callers drive that through
// internal/shutdown first.
func (m *Manager) Close() error {
	return m.tracker.Close()
}

// Instances returns a shutdown.Instance snapshot of every live supervisor,
// for internal/shutdown's concurrent Stop fan-out.
func (m *Manager) Instances() []shutdown.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]shutdown.Instance, 0, len(m.supervisors))
	for key, sup := range m.supervisors {
		out = append(out, shutdown.Instance{Key: key, Stopper: sup})
	}
	return out
}

// Reaper exposes the tracker reaper for the shutdown coordinator's final
// sweep.
func (m *Manager) Reaper() *tracker.Reaper { return m.reaper }

func (m *Manager) snapshotSupervisors() []httpapi.SupervisorView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]httpapi.SupervisorView, 0, len(m.supervisors))
	for key, sup := range m.supervisors {
		out = append(out, httpapi.SupervisorView{Key: key, State: sup.State()})
	}
	return out
}

func (m *Manager) supervisorConfig() supervisor.Config {
	return supervisor.Config{
		Logger:        m.logger,
		Fetcher:       m.fetcher,
		Backend:       m.backend,
		Tracker:       m.tracker,
		RuntimeDir:    m.cfg.RuntimeDir,
		DataDir:       m.cfg.DataDir,
		Env:           supervisor.Env{KeystoreURI: m.cfg.KeystoreURI, DataDir: m.cfg.DataDir, ChainEndpoints: m.cfg.ChainEndpoints},
		BridgeTimeout: m.cfg.BridgeTimeout,
		PortAllocator: bridge.OSPortAllocator{},
	}
}

// Spawn implements protocol.Dispatcher for CmdServiceRegistered: it builds a
// new supervisor for the command's instance key and spawns it from the
// command's descriptor. A second ServiceRegistered for an already-live
// instance is treated as an Update instead, since the chain is the source
// of truth and registrations are not expected to repeat for a live service.
func (m *Manager) Spawn(ctx context.Context, cmd protocol.Command) error {
	if cmd.Descriptor == nil {
		return fmt.Errorf("manager: spawn command for %s carries no descriptor", cmd.Instance())
	}
	key := cmd.Instance()

	m.mu.Lock()
	if existing, ok := m.supervisors[key]; ok {
		m.mu.Unlock()
		return existing.Update(ctx, *cmd.Descriptor)
	}
	sup := supervisor.New(key, m.supervisorConfig(), blueprint.DefaultResourceLimits(), m.cfg.DefaultRestartPolicy, nil)
	m.supervisors[key] = sup
	m.mu.Unlock()

	return sup.Spawn(ctx, *cmd.Descriptor)
}

// Stop implements protocol.Dispatcher for CmdServiceTerminated.
func (m *Manager) Stop(ctx context.Context, cmd protocol.Command) error {
	key := cmd.Instance()
	m.mu.Lock()
	sup, ok := m.supervisors[key]
	if ok {
		delete(m.supervisors, key)
	}
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("manager: stop for unknown instance", "instance", key)
		return nil
	}
	return sup.Stop(ctx, blueprint.StopChainTerminated)
}

// Update implements protocol.Dispatcher for CmdServiceUpdated.
func (m *Manager) Update(ctx context.Context, cmd protocol.Command) error {
	if cmd.Descriptor == nil {
		return fmt.Errorf("manager: update command for %s carries no descriptor", cmd.Instance())
	}
	key := cmd.Instance()
	m.mu.Lock()
	sup, ok := m.supervisors[key]
	m.mu.Unlock()
	if !ok {
		return m.Spawn(ctx, cmd)
	}
	return sup.Update(ctx, *cmd.Descriptor)
}

// ForwardJob implements protocol.Dispatcher for CmdJobSubmitted. The bridge
// wire schema exposes exactly two methods (Ping, RequestPort; spec.md
// §4.2) and the instance is always the connecting party, so there is no
// server-initiated push path for an arbitrary job payload in this build;
// forwarding is logged for operator visibility rather than silently
// dropped, and widening the bridge schema is left as a follow-up (see
// DESIGN.md).
func (m *Manager) ForwardJob(ctx context.Context, cmd protocol.Command) error {
	key := cmd.Instance()
	m.mu.Lock()
	_, ok := m.supervisors[key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: job submitted for unknown instance %s", key)
	}
	m.logger.Info("manager: job forwarding requested but not wired to a live bridge push", "instance", key, "call_id", cmd.CallID)
	return nil
}

// Register implements protocol.Dispatcher for CmdRegistrationRequested (the
// C7 hook, spec.md §4.4). It runs the registration entrypoint through an
// ephemeral Supervisor that is never added to m.supervisors and never
// produces a tracker.Record, then forwards the collected payload to the
// configured on-chain Submitter. Registrations for the same blueprint are
// serialized; distinct blueprints run concurrently.
func (m *Manager) Register(ctx context.Context, cmd protocol.Command) error {
	if cmd.Descriptor == nil {
		return fmt.Errorf("manager: registration command for blueprint %d carries no descriptor", cmd.BlueprintID)
	}

	unlock := m.lockBlueprint(cmd.BlueprintID)
	defer unlock()

	sup := supervisor.New(cmd.Instance(), m.supervisorConfig(), blueprint.DefaultResourceLimits(), blueprint.RestartPolicy{Kind: blueprint.RestartNever}, nil)
	payload, err := sup.Register(ctx, *cmd.Descriptor)
	if err != nil {
		return fmt.Errorf("manager: registration for blueprint %d: %w", cmd.BlueprintID, err)
	}

	if m.cfg.Submitter == nil {
		m.logger.Info("manager: registration payload collected, no submitter configured", "blueprint_id", cmd.BlueprintID, "bytes", len(payload.Bytes))
		return nil
	}
	if err := m.cfg.Submitter.SubmitRegistration(payload, cmd.BlueprintID); err != nil {
		return fmt.Errorf("manager: submit registration for blueprint %d: %w", cmd.BlueprintID, err)
	}
	return nil
}

func (m *Manager) lockBlueprint(id ids.BlueprintID) (unlock func()) {
	m.regMu.Lock()
	l, ok := m.regLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.regLocks[id] = l
	}
	m.regMu.Unlock()
	l.Lock()
	return l.Unlock
}

// ObserveJobResult implements protocol.Dispatcher for CmdJobResultSubmitted:
// observability only, per spec.md §4.6.
func (m *Manager) ObserveJobResult(ctx context.Context, cmd protocol.Command) {
	m.logger.Info("manager: job result observed", "instance", cmd.Instance(), "call_id", cmd.CallID, "bytes", len(cmd.ResultBytes))
}
