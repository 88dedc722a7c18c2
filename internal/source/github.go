package source

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
)

// fetchGithub downloads the release asset matching the host platform from
// owner/repo@tag, verifies its hashes and (when configured) its
// attestation, and returns a NativeBinary artifact (spec.md §4.3.2).
func (f *Fetcher) fetchGithub(ctx context.Context, src blueprint.Source, gh blueprint.GithubSource) (*Artifact, error) {
	bin, ok := blueprint.SelectBinary(gh.Binaries)
	if !ok {
		return nil, newError(KindMissingBinary,
			fmt.Sprintf("no binary for %s/%s matches host %s/%s", gh.Owner, gh.Repo, blueprint.HostOS(), blueprint.HostArch()), nil)
	}

	url := fmt.Sprintf("https://github.com/%s/%s/releases/download/%s/%s", gh.Owner, gh.Repo, gh.Tag, bin.Name)

	key := cacheKey(src, bin.OS, bin.Arch, hexSHA256(bin.SHA256))
	dst := artifactCachePath(f.CacheDir, key)

	v, err, _ := f.group.Do(key, func() (any, error) {
		if fileExists(dst) {
			f.Logger.Debug("source: cache hit", slog.String("path", dst))
			if _, verr := verifyHashes(dst, bin); verr != nil {
				return nil, verr
			}
			return dst, nil
		}
		if derr := f.download(ctx, url, dst, bin); derr != nil {
			return nil, derr
		}
		return dst, nil
	})
	if err != nil {
		return nil, err
	}
	path := v.(string)

	if err := f.Attestor.Verify(ctx, path, bin); err != nil {
		return nil, newError(KindAttestationFailed, "release attestation check failed for "+bin.Name, err)
	}

	if err := os.Chmod(path, 0o755); err != nil {
		return nil, newError(KindDownloadFailed, "mark binary executable", err)
	}

	return &Artifact{Kind: NativeBinary, Path: path, SHA256Hex: hexSHA256(bin.SHA256)}, nil
}

// download fetches url into dst via create-temp-then-rename, then verifies
// hashes against bin; on mismatch the cache entry is never left in place.
func (f *Fetcher) download(ctx context.Context, url, dst string, bin blueprint.Binary) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return newError(KindDownloadFailed, "build download request", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return newError(KindDownloadFailed, "download "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newError(KindDownloadFailed, fmt.Sprintf("download %s: HTTP %d", url, resp.StatusCode), nil)
	}

	if err := writeAtomic(dst, resp.Body, 0o644); err != nil {
		return newError(KindDownloadFailed, "stage downloaded artifact", err)
	}

	if _, err := verifyHashes(dst, bin); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func hexSHA256(b [32]byte) string {
	return hex.EncodeToString(b[:])
}
