package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
)

// NativeBackend starts instances as plain child processes of the manager.
// It is grounded on a straightforward spawn-and-wait idiom: one goroutine
// per instance calls cmd.Wait() and reports the outcome on a channel, so the
// backend never calls back into the supervisor directly (spec.md §9).
type NativeBackend struct {
	Logger *slog.Logger

	mu       sync.Mutex
	handles  map[string]*nativeHandle
	killGrace time.Duration
}

// NewNativeBackend builds a NativeBackend. killGrace bounds how long Shutdown
// waits after SIGTERM before escalating to SIGKILL; zero selects a 5s default.
func NewNativeBackend(logger *slog.Logger, killGrace time.Duration) *NativeBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &NativeBackend{
		Logger:    logger,
		handles:   make(map[string]*nativeHandle),
		killGrace: killGrace,
	}
}

func (b *NativeBackend) Kind() Kind { return KindNative }

type nativeHandle struct {
	id  string
	cmd *exec.Cmd

	mu      sync.Mutex
	state   blueprint.State
	changes chan blueprint.State
}

func (h *nativeHandle) ID() string { return h.id }

func (h *nativeHandle) setState(s blueprint.State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()
	select {
	case h.changes <- s:
	default:
		// Drop if no one is waiting; WaitStatusChange always re-reads the
		// latest state first, so a dropped notification is never lost, only
		// coalesced with the next one.
	}
}

func (b *NativeBackend) Start(ctx context.Context, req StartRequest) (Handle, error) {
	if req.ArtifactPath == "" {
		return nil, fatalf("native start", fmt.Errorf("%w: StartRequest.ArtifactPath is empty", ErrFatal))
	}

	cmd := exec.Command(req.ArtifactPath, req.Args...)
	cmd.Env = envSlice(req.Env)

	h := &nativeHandle{
		id:      uuid.NewString(),
		cmd:     cmd,
		state:   blueprint.StatePending,
		changes: make(chan blueprint.State, 1),
	}

	if err := cmd.Start(); err != nil {
		return nil, fatalf("native start", fmt.Errorf("%w: %v", ErrFatal, err))
	}

	b.mu.Lock()
	b.handles[h.id] = h
	b.mu.Unlock()

	// No caller holds the handle yet, so the initial Running state is set
	// without queuing a change notification.
	h.mu.Lock()
	h.state = blueprint.StateRunning
	h.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if err != nil {
			b.Logger.Warn("native: instance exited with error", "instance", req.Instance, "handle", h.id, "err", err)
			h.setState(blueprint.StateError)
		} else {
			h.setState(blueprint.StateFinished)
		}
	}()

	return h, nil
}

func (b *NativeBackend) lookup(h Handle) (*nativeHandle, error) {
	nh, ok := h.(*nativeHandle)
	if !ok {
		return nil, ErrUnknownHandle
	}
	b.mu.Lock()
	_, tracked := b.handles[nh.id]
	b.mu.Unlock()
	if !tracked {
		return nil, ErrUnknownHandle
	}
	return nh, nil
}

func (b *NativeBackend) Status(ctx context.Context, h Handle) (blueprint.State, error) {
	nh, err := b.lookup(h)
	if err != nil {
		return blueprint.StateUnknown, err
	}
	nh.mu.Lock()
	defer nh.mu.Unlock()
	return nh.state, nil
}

func (b *NativeBackend) WaitStatusChange(ctx context.Context, h Handle) (blueprint.State, error) {
	nh, err := b.lookup(h)
	if err != nil {
		return blueprint.StateUnknown, err
	}
	select {
	case <-nh.changes:
		nh.mu.Lock()
		s := nh.state
		nh.mu.Unlock()
		return s, nil
	case <-ctx.Done():
		nh.mu.Lock()
		s := nh.state
		nh.mu.Unlock()
		return s, ctx.Err()
	}
}

func (b *NativeBackend) Shutdown(ctx context.Context, h Handle) error {
	nh, err := b.lookup(h)
	if err != nil {
		return nil // already gone: idempotent
	}

	nh.mu.Lock()
	state := nh.state
	nh.mu.Unlock()
	if state.Terminal() {
		b.forget(nh.id)
		return nil
	}

	if nh.cmd.Process != nil {
		_ = nh.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(b.killGrace)
	defer timer.Stop()
	select {
	case <-nh.changes:
	case <-timer.C:
		if nh.cmd.Process != nil {
			_ = nh.cmd.Process.Kill()
		}
	case <-ctx.Done():
		if nh.cmd.Process != nil {
			_ = nh.cmd.Process.Kill()
		}
	}

	b.forget(nh.id)
	return nil
}

func (b *NativeBackend) forget(id string) {
	b.mu.Lock()
	delete(b.handles, id)
	b.mu.Unlock()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
