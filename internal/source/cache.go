package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
)

// cacheKey derives the cache directory entry for a fetched artifact, keyed
// by (source, os, arch, sha256) per spec.md §4.3 so that two blueprints
// naming the same binary share one download.
func cacheKey(src blueprint.Source, hostOS, hostArch, sha256Hex string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", src.Kind, hostOS, hostArch, sha256Hex)
	return hex.EncodeToString(h.Sum(nil))
}

func artifactCachePath(cacheDir, key string) string {
	return filepath.Join(cacheDir, "artifacts", key)
}

// writeAtomic stages data to a temp file in the same directory as dst, then
// renames it into place — a crash or a concurrent reader never observes a
// torn file (spec.md §5 "Shared resources").
func writeAtomic(dst string, r io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename into cache: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
