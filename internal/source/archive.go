package source

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
)

// fetchRemoteArchive downloads the archive at ra.ArchiveURL, extracts it,
// selects the binary matching the host platform, and verifies its hashes
// (spec.md §4.3.3).
func (f *Fetcher) fetchRemoteArchive(ctx context.Context, src blueprint.Source, ra blueprint.RemoteArchiveSource) (*Artifact, error) {
	bin, ok := blueprint.SelectBinary(ra.Binaries)
	if !ok {
		return nil, newError(KindMissingBinary,
			fmt.Sprintf("no binary in archive matches host %s/%s", blueprint.HostOS(), blueprint.HostArch()), nil)
	}

	key := cacheKey(src, bin.OS, bin.Arch, hexSHA256(bin.SHA256))
	dst := artifactCachePath(f.CacheDir, key)

	v, err, _ := f.group.Do(key, func() (any, error) {
		if fileExists(dst) {
			if _, verr := verifyHashes(dst, bin); verr != nil {
				return nil, verr
			}
			return dst, nil
		}
		if derr := f.downloadAndExtract(ctx, ra.ArchiveURL, bin, dst); derr != nil {
			return nil, derr
		}
		return dst, nil
	})
	if err != nil {
		return nil, err
	}
	path := v.(string)

	if err := os.Chmod(path, 0o755); err != nil {
		return nil, newError(KindDownloadFailed, "mark extracted binary executable", err)
	}

	return &Artifact{Kind: NativeBinary, Path: path, SHA256Hex: hexSHA256(bin.SHA256)}, nil
}

func (f *Fetcher) downloadAndExtract(ctx context.Context, archiveURL string, bin blueprint.Binary, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return newError(KindDownloadFailed, "build archive request", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return newError(KindDownloadFailed, "download archive "+archiveURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newError(KindDownloadFailed, fmt.Sprintf("download archive %s: HTTP %d", archiveURL, resp.StatusCode), nil)
	}

	tarReader, cleanup, err := decompress(archiveURL, resp.Body)
	if err != nil {
		return err
	}
	defer cleanup()

	tr := tar.NewReader(tarReader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return newError(KindMissingBinary, "binary "+bin.Name+" not found in archive", nil)
		}
		if err != nil {
			return newError(KindArchiveInvalid, "read archive entry", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(hdr.Name) != bin.Name {
			continue
		}
		if err := writeAtomic(dst, tr, 0o644); err != nil {
			return newError(KindDownloadFailed, "stage extracted binary", err)
		}
		if _, err := verifyHashes(dst, bin); err != nil {
			os.Remove(dst)
			return err
		}
		return nil
	}
}

// decompress wraps r in the decompressor matching archiveURL's extension,
// returning a reader of the inner tar stream and a cleanup func.
func decompress(archiveURL string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(archiveURL, ".tar.gz") || strings.HasSuffix(archiveURL, ".tgz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, newError(KindArchiveInvalid, "open gzip stream", err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(archiveURL, ".tar.zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, newError(KindArchiveInvalid, "open zstd stream", err)
		}
		return zr, func() { zr.Close() }, nil
	case strings.HasSuffix(archiveURL, ".tar"):
		return r, func() {}, nil
	default:
		return nil, nil, newError(KindArchiveInvalid, "unsupported archive extension for "+archiveURL, nil)
	}
}
