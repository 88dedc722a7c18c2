package runtime

import "errors"

// ErrFatal wraps every error a Backend returns from Start or Shutdown so
// callers can distinguish "the backend itself is unusable" from a status
// read glitch with a single errors.Is check.
var ErrFatal = errors.New("runtime: fatal backend error")

// ErrUnknownHandle is returned by Status and WaitStatusChange when called
// with a handle the backend has no record of (already reaped, or from a
// different backend instance). Shutdown treats such a handle as already
// gone and returns nil.
var ErrUnknownHandle = errors.New("runtime: unknown handle")

type wrapError struct {
	op  string
	err error
}

func (e *wrapError) Error() string { return "runtime: " + e.op + ": " + e.err.Error() }
func (e *wrapError) Unwrap() error { return e.err }
func (e *wrapError) Is(target error) bool {
	return target == ErrFatal
}

func fatalf(op string, err error) error {
	return &wrapError{op: op, err: err}
}
