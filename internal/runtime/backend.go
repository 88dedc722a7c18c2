// Package runtime implements the C1 runtime backend contract and its three
// concrete isolation domains: Native, Container and MicroVM (spec.md §4.1).
//
// Design note (spec.md §9 "Dynamic dispatch"): the three backends are
// modeled as one shared interface selected once at supervisor construction,
// not as trait objects threaded through the state machine. The supervisor
// holds exactly one Backend value for the lifetime of the instance.
package runtime

import (
	"context"
	"time"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/ids"
)

// Kind names a concrete backend for logging and config selection.
type Kind string

const (
	KindNative    Kind = "native"
	KindContainer Kind = "container"
	KindMicroVM   Kind = "microvm"
)

// StartRequest carries everything a backend needs to launch one instance.
type StartRequest struct {
	Instance     ids.InstanceKey
	ArtifactPath string // NativeBinary path, or empty for ContainerRef
	ImageRef     string // ContainerRef reference, or empty for NativeBinary
	Env          map[string]string
	Args         []string
	Limits       blueprint.ResourceLimits
	BridgeSocket string // address the instance reaches the bridge on: an AF_UNIX path, or "cid:port" for AF_VSOCK
}

// Handle is the opaque, backend-specific token returned by Start and
// threaded through the rest of the contract. Backends push status changes
// onto their own internal channel rather than holding a back-pointer into
// the supervisor (spec.md §9 "Cyclic references").
type Handle interface {
	// ID returns a backend-specific identifier useful for logs and for
	// DeploymentRecord.resource_ids.
	ID() string
}

// Backend is the shared operation set every isolation domain implements
// (spec.md §4.1).
type Backend interface {
	Kind() Kind

	// Start launches req and returns a handle whose initial Status is
	// Running or Pending, or an error. It never returns a handle with a
	// terminal or Error status.
	Start(ctx context.Context, req StartRequest) (Handle, error)

	// Status returns the instance's current state without blocking.
	Status(ctx context.Context, h Handle) (blueprint.State, error)

	// WaitStatusChange blocks until the instance's state differs from its
	// last observed value, or ctx is cancelled.
	WaitStatusChange(ctx context.Context, h Handle) (blueprint.State, error)

	// Shutdown stops the instance and releases all backend-held resources.
	// It is idempotent: calling it twice, or on a handle whose instance has
	// already exited, is not an error.
	Shutdown(ctx context.Context, h Handle) error
}

// startTimeout bounds how long the container and microVM backends' Start
// may block before it fails (container pull / VM boot windows).
const startTimeout = 2 * time.Minute
