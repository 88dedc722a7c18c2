package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"github.com/Bidon15/blueprint-manager/internal/pkg/ulid"
	"github.com/Bidon15/blueprint-manager/internal/protocol"
	"github.com/Bidon15/blueprint-manager/internal/source"
)

// registrationTimeout bounds the "shorter lifetime" spec.md §4.4 gives a
// registration-mode child, well short of BridgeTimeout's wait for a live
// deployment's first ping.
const registrationTimeout = 30 * time.Second

// Register runs descriptor's registration entrypoint in place of a normal
// Spawn (spec.md §4.4 "Registration mode (C7 hook)"): the artifact is still
// fetched and executed, but with --registration and REGISTRATION_MODE=1,
// and the child's output file is read and deleted rather than becoming a
// supervised deployment. No backend, bridge, or DeploymentRecord is ever
// created, satisfying P7.
func (s *Supervisor) Register(ctx context.Context, descriptor blueprint.Source) (protocol.RegistrationPayload, error) {
	artifact, err := s.cfg.Fetcher.Fetch(ctx, descriptor)
	if err != nil {
		return protocol.RegistrationPayload{}, fmt.Errorf("supervisor: registration fetch for %s: %w", s.Key, err)
	}
	if artifact.Kind != source.NativeBinary {
		return protocol.RegistrationPayload{}, fmt.Errorf("supervisor: registration mode needs a native binary artifact for %s, got %s", s.Key, artifact.Kind)
	}

	nonce := ulid.New()
	payloadPath := protocol.RegistrationPath(s.cfg.DataDir, s.Key.BlueprintID, nonce)
	if err := os.MkdirAll(filepath.Dir(payloadPath), 0o755); err != nil {
		return protocol.RegistrationPayload{}, fmt.Errorf("supervisor: stage registration dir for %s: %w", s.Key, err)
	}

	// Registration mode never starts a bridge (spec.md §4.4): the child
	// writes its payload to a file, it does not dial the manager.
	env := s.composeEnv("")
	env["REGISTRATION_MODE"] = "1"
	// The child has no other way to learn the nonce this run picked, and the
	// output path is keyed by it (protocol.RegistrationPath).
	env["REGISTRATION_NONCE"] = nonce

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	cmd := exec.CommandContext(regCtx, artifact.Path, "--registration")
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return protocol.RegistrationPayload{}, fmt.Errorf("supervisor: registration entrypoint for %s: %w: %s", s.Key, err, stderr.String())
	}

	data, err := os.ReadFile(payloadPath)
	if err != nil {
		return protocol.RegistrationPayload{}, fmt.Errorf("supervisor: read registration payload for %s: %w", s.Key, err)
	}
	if err := os.Remove(payloadPath); err != nil {
		s.cfg.Logger.Warn("supervisor: registration payload cleanup failed", "instance", s.Key, "path", payloadPath, "err", err)
	}

	s.cfg.Logger.Info("supervisor: registration complete", "instance", s.Key, "bytes", len(data))
	return protocol.RegistrationPayload{Path: payloadPath, Bytes: data}, nil
}
