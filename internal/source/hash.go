package source

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/Bidon15/blueprint-manager/internal/blueprint"
	"lukechampine.com/blake3"
)

// verifyHashes checks the downloaded file at path against bin's declared
// sha256 (required) and blake3 (when present). Both must match when both are
// present; any mismatch is a *Error{Kind: KindHashMismatch} (spec.md §3).
func verifyHashes(path string, bin blueprint.Binary) (sha256Hex string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", newError(KindDownloadFailed, "open downloaded artifact", err)
	}
	defer f.Close()

	sha := sha256.New()
	b3 := blake3.New(32, nil)
	if _, err := io.Copy(io.MultiWriter(sha, b3), f); err != nil {
		return "", newError(KindDownloadFailed, "hash downloaded artifact", err)
	}

	var got [32]byte
	copy(got[:], sha.Sum(nil))
	sha256Hex = hex.EncodeToString(got[:])

	if got != bin.SHA256 {
		return "", newError(KindHashMismatch, "sha256 mismatch for "+bin.Name, nil)
	}

	if bin.Blake3 != nil {
		var gotB3 [32]byte
		copy(gotB3[:], b3.Sum(nil))
		if gotB3 != *bin.Blake3 {
			return "", newError(KindHashMismatch, "blake3 mismatch for "+bin.Name, nil)
		}
	}

	return sha256Hex, nil
}
