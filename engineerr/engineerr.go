// Package engineerr defines the error taxonomy shared across the memory
// engine (spec.md §7): input errors, capability errors, adapter errors,
// cancellation, and background-task timeout. The message constructors, the
// tier stores and the Orchestrator return EngineErrors so callers can branch
// on Kind with errors.As instead of string-matching messages; the concrete
// capability backends (openaicap, langchaincap) return plain wrapped errors.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an EngineError.
type Kind int

const (
	// KindInput marks a rejected construction (empty user_id, content, ...).
	KindInput Kind = iota
	// KindCapability marks a failure from the text/embedding Capability.
	KindCapability
	// KindAdapter marks a tier-backend I/O failure.
	KindAdapter
	// KindCancelled marks a cancelled operation.
	KindCancelled
	// KindTimeout marks a background task that exceeded its deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindCapability:
		return "capability"
	case KindAdapter:
		return "adapter"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// EngineError wraps an underlying cause with a taxonomy Kind and the
// component that raised it.
type EngineError struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *EngineError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// New builds an EngineError, wrapping err with fmt.Errorf-style %w semantics
// so errors.Is/errors.As compose through it.
func New(kind Kind, component string, err error) *EngineError {
	return &EngineError{Kind: kind, Component: component, Err: err}
}

// Newf builds an EngineError from a format string the way fmt.Errorf does.
func Newf(kind Kind, component, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Component: component, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err is an EngineError of the given Kind.
func Is(err error, kind Kind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}
