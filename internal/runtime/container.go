package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
)

// ContainerBackend starts instances as docker containers. Image resolution
// (does the ref exist, what does it resolve to) goes through crane, which
// talks to the registry directly instead of needing a local docker pull
// first; the container lifecycle itself (run/inspect/rm) shells out to the
// docker CLI, the same way the teacher's bundle/compose tooling drives
// docker, since crane has no notion of a running container.
type ContainerBackend struct {
	Logger *slog.Logger
	// DockerBin overrides the docker executable name, for tests.
	DockerBin string

	mu      sync.Mutex
	handles map[string]*containerHandle

	pollInterval time.Duration
}

func NewContainerBackend(logger *slog.Logger) *ContainerBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerBackend{
		Logger:       logger,
		DockerBin:    "docker",
		handles:      make(map[string]*containerHandle),
		pollInterval: 2 * time.Second,
	}
}

func (b *ContainerBackend) Kind() Kind { return KindContainer }

type containerHandle struct {
	containerID string

	mu    sync.Mutex
	state blueprint.State
}

func (h *containerHandle) ID() string { return h.containerID }

func (b *ContainerBackend) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.DockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (b *ContainerBackend) Start(ctx context.Context, req StartRequest) (Handle, error) {
	if req.ImageRef == "" {
		return nil, fatalf("container start", fmt.Errorf("%w: StartRequest.ImageRef is empty", ErrFatal))
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	if _, err := crane.Digest(req.ImageRef); err != nil {
		return nil, fatalf("container image resolve", fmt.Errorf("%w: %s does not resolve: %v", ErrFatal, req.ImageRef, err))
	}
	if _, err := b.run(startCtx, "image", "inspect", req.ImageRef); err != nil {
		if _, pullErr := b.run(startCtx, "pull", req.ImageRef); pullErr != nil {
			return nil, fatalf("container pull", fmt.Errorf("%w: %v", ErrFatal, pullErr))
		}
	}

	args := []string{"run", "-d", "--name", req.Instance.ServiceName()}
	if req.Limits.MemoryBytes > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", req.Limits.MemoryBytes))
	}
	for k, v := range req.Env {
		args = append(args, "-e", k+"="+v)
	}
	if req.BridgeSocket != "" {
		args = append(args, "-v", req.BridgeSocket+":"+req.BridgeSocket)
	}
	args = append(args, req.ImageRef)
	args = append(args, req.Args...)

	out, err := b.run(startCtx, args...)
	if err != nil {
		return nil, fatalf("container run", fmt.Errorf("%w: %v", ErrFatal, err))
	}

	h := &containerHandle{containerID: out, state: blueprint.StateRunning}
	b.mu.Lock()
	b.handles[h.containerID] = h
	b.mu.Unlock()
	return h, nil
}

func (b *ContainerBackend) lookup(h Handle) (*containerHandle, error) {
	ch, ok := h.(*containerHandle)
	if !ok {
		return nil, ErrUnknownHandle
	}
	b.mu.Lock()
	_, tracked := b.handles[ch.containerID]
	b.mu.Unlock()
	if !tracked {
		return nil, ErrUnknownHandle
	}
	return ch, nil
}

// Status inspects the container's running state via `docker inspect`.
func (b *ContainerBackend) Status(ctx context.Context, h Handle) (blueprint.State, error) {
	ch, err := b.lookup(h)
	if err != nil {
		return blueprint.StateUnknown, err
	}

	out, err := b.run(ctx, "inspect", "-f", "{{.State.Status}}", ch.containerID)
	if err != nil {
		ch.mu.Lock()
		ch.state = blueprint.StateUnknown
		ch.mu.Unlock()
		return blueprint.StateUnknown, nil
	}

	s := dockerStatusToState(out)
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
	return s, nil
}

func dockerStatusToState(dockerStatus string) blueprint.State {
	switch dockerStatus {
	case "created":
		return blueprint.StatePending
	case "running":
		return blueprint.StateRunning
	case "exited", "dead":
		return blueprint.StateFinished
	default:
		return blueprint.StateUnknown
	}
}

// WaitStatusChange polls docker inspect at b.pollInterval, since the docker
// CLI has no blocking "notify me on state change" primitive short of
// streaming `docker events`, which the rest of this backend does not use.
func (b *ContainerBackend) WaitStatusChange(ctx context.Context, h Handle) (blueprint.State, error) {
	ch, err := b.lookup(h)
	if err != nil {
		return blueprint.StateUnknown, err
	}
	ch.mu.Lock()
	last := ch.state
	ch.mu.Unlock()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
			s, err := b.Status(ctx, h)
			if err != nil {
				return blueprint.StateUnknown, err
			}
			if s != last {
				return s, nil
			}
		}
	}
}

func (b *ContainerBackend) Shutdown(ctx context.Context, h Handle) error {
	ch, err := b.lookup(h)
	if err != nil {
		return nil
	}
	if _, err := b.run(ctx, "rm", "-f", ch.containerID); err != nil {
		b.Logger.Warn("container: rm -f failed", "container", ch.containerID, "err", err)
	}
	b.mu.Lock()
	delete(b.handles, ch.containerID)
	b.mu.Unlock()
	return nil
}
