package source

import (
	"context"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
)

// Attestor verifies a downloaded GitHub release artifact against an external
// attestation service (e.g. a TEE attestation verifier, Sigstore, GitHub's
// own attestation API). The core never implements attestation itself — it
// only invokes this trait (spec.md §1 Non-goals, §3 Artifact).
type Attestor interface {
	Verify(ctx context.Context, artifactPath string, bin blueprint.Binary) error
}

// NoopAttestor performs no verification. It is the default when no external
// attestation service is configured.
type NoopAttestor struct{}

// Verify always succeeds.
func (NoopAttestor) Verify(context.Context, string, blueprint.Binary) error { return nil }
