// Package errs defines the fixed error-kind taxonomy the Adaptive Context
// Tester core distinguishes between. Every error that crosses a component
// boundary in services/backend, services/registry, services/journal,
// services/tester, and services/fleet is either a *Error of one of these
// kinds, or a plain wrapped error for conditions the core does not need to
// classify (e.g. a malformed YAML config).
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in spec §7. Strategy code switches on
// Kind, never on an error's message text.
type Kind string

const (
	// KindNotFound means the backend cannot resolve the model identifier.
	KindNotFound Kind = "not_found"
	// KindLoadError means the backend refused or failed to load the model.
	KindLoadError Kind = "load_error"
	// KindOutOfMemory means the load failed specifically due to memory pressure.
	KindOutOfMemory Kind = "out_of_memory"
	// KindInferenceTimeout means the completion call exceeded its deadline
	// with no tokens emitted (or an incomplete stream) — a hang, not a crash.
	KindInferenceTimeout Kind = "inference_timeout"
	// KindInferenceError means the completion call returned an explicit error.
	KindInferenceError Kind = "inference_error"
	// KindUnloadError means the unload call failed; recorded but not fatal.
	KindUnloadError Kind = "unload_error"
	// KindConnectionError means the adapter could not reach the backend at all.
	KindConnectionError Kind = "connection_error"
	// KindRegistryIO means a registry file read/write failed.
	KindRegistryIO Kind = "registry_io_error"
	// KindRegistryCorrupt means the registry file exists but failed to parse.
	KindRegistryCorrupt Kind = "registry_corrupt"
	// KindCancelled means the run was cancelled via context between or during probes.
	KindCancelled Kind = "cancelled"
)

// Error carries a Kind alongside the usual wrapped detail, and a path when
// the error concerns a specific file.
type Error struct {
	Kind   Kind
	Path   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Detail, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Detail, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with a detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an *Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// WithPath attaches a filesystem path to an *Error, for registry/journal I/O failures.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports whether one was found. Strategy code uses this instead of
// matching on error strings.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
