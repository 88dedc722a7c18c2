// Package shutdown implements the C8 shutdown coordinator: the sequence run
// on SIGINT/SIGTERM (or a fatal error) that stops the chain event loop,
// tears every live supervisor down concurrently with a bounded deadline,
// and runs one final reap sweep (spec.md §4.8).
package shutdown

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/ids"
	"github.com/Bidon15/blueprint-manager/internal/tracker"
)

// Stopper is the subset of *supervisor.Supervisor the coordinator needs.
// Expressed as an interface here rather than importing internal/supervisor
// directly: shutdown sequencing has no business depending on the
// supervisor's Spawn/Update machinery, only its Stop.
type Stopper interface {
	Stop(ctx context.Context, reason blueprint.StopReason) error
}

// Instance pairs an InstanceKey with its Stopper, for logging during the
// concurrent fan-out.
type Instance struct {
	Key     ids.InstanceKey
	Stopper Stopper
}

// Config bounds how long each stage of the shutdown sequence may run.
type Config struct {
	Logger *slog.Logger

	// LoopTimeout bounds how long Shutdown waits for the event loop to
	// exit after cancellation before proceeding anyway.
	LoopTimeout time.Duration

	// SupervisorTimeout bounds the concurrent supervisor Stop fan-out.
	SupervisorTimeout time.Duration
}

// Coordinator drives the shutdown sequence.
type Coordinator struct {
	cfg Config
}

// New builds a Coordinator, filling in default timeouts (10s for the loop,
// 30s for the supervisor fan-out) when unset.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoopTimeout <= 0 {
		cfg.LoopTimeout = 10 * time.Second
	}
	if cfg.SupervisorTimeout <= 0 {
		cfg.SupervisorTimeout = 30 * time.Second
	}
	return &Coordinator{cfg: cfg}
}

// Shutdown runs the full sequence: cancel the event loop and wait (bounded)
// for it to exit, so no new chain-derived Spawn/Stop/Update calls can start;
// then stop every instance in the snapshot concurrently, each under the same
// overall deadline; then run one final reaper sweep over anything still
// Terminating. instances is evaluated once, as a point-in-time snapshot of
// the live set — callers take that snapshot under whatever lock guards
// their supervisor map.
func (c *Coordinator) Shutdown(loopCancel context.CancelFunc, loopDone <-chan struct{}, instances []Instance, reaper *tracker.Reaper) {
	c.cfg.Logger.Info("shutdown: stopping event loop")
	loopCancel()
	select {
	case <-loopDone:
	case <-time.After(c.cfg.LoopTimeout):
		c.cfg.Logger.Warn("shutdown: event loop did not exit within timeout, proceeding anyway")
	}

	c.cfg.Logger.Info("shutdown: stopping supervisors", "count", len(instances))
	supCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SupervisorTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(supCtx)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			if err := inst.Stopper.Stop(gctx, blueprint.StopOperatorRequested); err != nil {
				c.cfg.Logger.Error("shutdown: supervisor stop failed", "instance", inst.Key, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if reaper != nil {
		c.cfg.Logger.Info("shutdown: running final reap sweep")
		if _, err := reaper.ReapExpired(context.Background()); err != nil {
			c.cfg.Logger.Warn("shutdown: final reap sweep failed", "err", err)
		}
	}

	c.cfg.Logger.Info("shutdown: complete")
}
