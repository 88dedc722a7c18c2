package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
)

// fetchLocalTest builds the named cargo-style package in base_path and
// returns the emitted binary. Used only when the manager runs in test mode
// (spec.md §4.3.1) — there is no hash to verify since the artifact is built
// locally, not fetched.
func (f *Fetcher) fetchLocalTest(ctx context.Context, lt blueprint.LocalTestSource) (*Artifact, error) {
	logPath := filepath.Join(os.TempDir(), "blueprint-manager-localtest-build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, newError(KindBuildFailed, "create build log", err)
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, "cargo", "build", "--release", "--package", lt.Package)
	cmd.Dir = lt.BasePath
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		return nil, newError(KindBuildFailed, "cargo build --package "+lt.Package+" (see "+logPath+")", err)
	}

	binPath := filepath.Join(lt.BasePath, "target", "release", lt.Binary)
	if !fileExists(binPath) {
		return nil, newError(KindBuildFailed, "built binary not found at "+binPath, nil)
	}
	if err := os.Chmod(binPath, 0o755); err != nil {
		return nil, newError(KindBuildFailed, "mark built binary executable", err)
	}

	return &Artifact{Kind: NativeBinary, Path: binPath}, nil
}
