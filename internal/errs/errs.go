// Package errs defines the error kinds surfaced by the broker.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds returned by broker operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, errs.ErrConflict) {
//	    // the directory state expired on the backend; sync again
//	}
var (
	// ErrNotFound is returned for an unknown path, operation id or
	// directory state id.
	ErrNotFound = errors.New("not found")

	// ErrIO is returned when a local read or stat fails during a scan or
	// sync. A sync that fails with ErrIO never registers a directory state.
	ErrIO = errors.New("local I/O failure")

	// ErrNetwork is returned for transient backend failures: transport
	// errors, throttling and 5xx responses.
	ErrNetwork = errors.New("backend unavailable")

	// ErrTimeout is returned when a wait deadline passes before the
	// requested operations are terminal.
	ErrTimeout = errors.New("timed out")

	// ErrConflict is returned when the backend no longer recognizes a
	// directory state or blob it previously accepted.
	ErrConflict = errors.New("conflict")
)

// PathError records a local I/O failure and the path that caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// Is makes every PathError match ErrIO.
func (e *PathError) Is(target error) bool { return target == ErrIO }

// IOError wraps err as a PathError.
func IOError(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// TimeoutError lists the operations that were still pending when a wait
// deadline passed.
type TimeoutError struct {
	Pending []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %d operation(s): %s", len(e.Pending), strings.Join(e.Pending, ", "))
}

// Is makes every TimeoutError match ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Network returns an error wrapping ErrNetwork and, if non-nil, cause.
func Network(cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrNetwork, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrNetwork, msg, cause)
}

// Conflict returns an error wrapping ErrConflict.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// IsRetryable returns true if the error is likely to succeed on retry.
// Only transient backend failures qualify; local I/O errors, unknown ids
// and conflicts need caller action.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNetwork)
}

// IsResyncRequired returns true if the caller should sync again and retry
// with a fresh directory state.
func IsResyncRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConflict)
}
