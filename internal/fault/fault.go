// Package fault classifies filesystem failures into the kinds the pipeline
// treats differently: directory-level faults that abort a cycle, and
// transient I/O faults that are worth retrying on a flaky mount.
package fault

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	// ErrDirectory marks an input or output directory that is missing or unreadable.
	ErrDirectory = errors.New("directory unavailable")

	// ErrTransientIO marks a read/write failure plausibly caused by the
	// underlying storage rather than the file's content.
	ErrTransientIO = errors.New("transient i/o failure")
)

// Error carries the operation and path that failed along with its kind.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the fault's kind, so callers can match with
// errors.Is(err, fault.ErrTransientIO).
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Directory wraps err as a directory-level fault.
func Directory(op, path string, err error) error {
	return &Error{Kind: ErrDirectory, Op: op, Path: path, Err: err}
}

// Transient wraps err as a retryable I/O fault regardless of its cause.
func Transient(op, path string, err error) error {
	return &Error{Kind: ErrTransientIO, Op: op, Path: path, Err: err}
}

// IO wraps a filesystem error, marking it transient when the cause looks like
// storage flakiness. Other errors (permission denied, not found) are returned
// wrapped but unclassified.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if transientCause(err) {
		return Transient(op, path, err)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransientIO) || transientCause(err)
}

// IsDirectory reports whether err is a directory-level fault.
func IsDirectory(err error) bool {
	return errors.Is(err, ErrDirectory)
}

var transientErrnos = []syscall.Errno{
	syscall.EIO,
	syscall.EAGAIN,
	syscall.EBUSY,
	syscall.ESTALE,
	syscall.ETIMEDOUT,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ENOTCONN,
	syscall.EHOSTDOWN,
	syscall.EHOSTUNREACH,
	syscall.ENETDOWN,
	syscall.ENETUNREACH,
}

func transientCause(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
