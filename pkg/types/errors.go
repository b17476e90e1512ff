// Package types holds the data model and error taxonomy shared across the
// execution substrate: blobs, manifests, sandbox instances, cache entries,
// and the request/response envelope the engine exchanges with callers.
package types

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into the fixed taxonomy the engine promises
// callers. Every error that crosses a component boundary is normalized to
// one of these.
type Kind string

const (
	NotFound         Kind = "not_found"
	AlreadyExists    Kind = "already_exists"
	Unsupported      Kind = "unsupported"
	Timeout          Kind = "timeout"
	Busy             Kind = "busy"
	SandboxFailure   Kind = "sandbox_failure"
	CheckpointFailure Kind = "checkpoint_failure"
	Io               Kind = "io"
	Corruption       Kind = "corruption"
	Invalid          Kind = "invalid"
)

// Error is the substrate's wrapped error type. Op names the operation that
// failed (e.g. "blob.Put", "engine.run"); Err is the underlying cause and
// is reachable through errors.Unwrap/errors.Is/errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) style sentinels match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return true
}

// NewError constructs an *Error, wrapping err (which may be nil).
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for the common "tag this error with a kind and op"
// case; returns nil if err is nil so it composes with early returns.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and Invalid otherwise — used by the engine to normalize errors
// from adapters that don't construct *Error themselves.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Invalid
}

// Sentinels for errors.Is checks against a bare kind, e.g.
// errors.Is(err, ErrNotFound).
var (
	ErrNotFound          = &Error{Kind: NotFound}
	ErrAlreadyExists     = &Error{Kind: AlreadyExists}
	ErrUnsupported       = &Error{Kind: Unsupported}
	ErrTimeout           = &Error{Kind: Timeout}
	ErrBusy              = &Error{Kind: Busy}
	ErrSandboxFailure    = &Error{Kind: SandboxFailure}
	ErrCheckpointFailure = &Error{Kind: CheckpointFailure}
	ErrIo                = &Error{Kind: Io}
	ErrCorruption        = &Error{Kind: Corruption}
	ErrInvalid           = &Error{Kind: Invalid}
)
