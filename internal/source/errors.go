package source

import (
	"errors"
	"fmt"
)

// ErrorKind tags the SourceError taxonomy from spec.md §7.
type ErrorKind string

const (
	KindHashMismatch       ErrorKind = "hash_mismatch"
	KindMissingBinary      ErrorKind = "missing_binary"
	KindAttestationFailed  ErrorKind = "attestation_failed"
	KindDownloadFailed     ErrorKind = "download_failed"
	KindBuildFailed        ErrorKind = "build_failed"
	KindArchiveInvalid     ErrorKind = "archive_invalid"
	KindRegistryPullFailed ErrorKind = "registry_pull_failed"
)

// Error is fatal and non-retryable for the descriptor that produced it; the
// supervisor only retries after the event loop delivers an updated
// descriptor (spec.md §4.3).
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("source: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("source: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against ErrFatal for any *Error, so callers can test
// `errors.Is(err, source.ErrFatal)` without caring about the specific kind.
func (e *Error) Is(target error) bool {
	return errors.Is(target, ErrFatal)
}

// ErrFatal is the sentinel every *Error satisfies via Is, letting supervisor
// code distinguish source errors from transient ones without a type switch.
var ErrFatal = errors.New("source: fatal, non-retryable for this descriptor")

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}
