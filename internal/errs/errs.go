// Package errs defines the error taxonomy shared across the analysis
// engine. Every failure path in the resolver, executor and layer store
// produces one of these kinds so the chat surface can report something
// specific instead of a bare error string.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// AiUnavailable covers network, quota and timeout failures of the
	// completion service. Retryable.
	AiUnavailable Kind = "ai_unavailable"

	// PlanInvalid means the model's output could not be mapped to a
	// valid operation plan even after the corrective re-prompt.
	PlanInvalid Kind = "plan_invalid"

	// UnknownLayer means a plan referenced a layer name absent from the store.
	UnknownLayer Kind = "unknown_layer"

	// UnknownColumn means a plan referenced an attribute column absent
	// from the input layer's schema.
	UnknownColumn Kind = "unknown_column"

	// CrsMismatch means two inputs use coordinate reference systems
	// with no supported reprojection between them.
	CrsMismatch Kind = "crs_mismatch"

	// GeometryError is a failure inside the geometry engine
	// (degenerate ring, negative distance, self-intersection).
	GeometryError Kind = "geometry_error"

	// NameCollision means a layer name is already taken. The executor
	// resolves these automatically via suffixing; only direct store
	// writes surface it.
	NameCollision Kind = "name_collision"
)

// Error carries a taxonomy kind plus a human-readable message routed
// to the chat surface.
type Error struct {
	Kind Kind
	Msg  string

	// FeatureIndex is the offending feature where determinable, -1 otherwise.
	FeatureIndex int

	cause error
}

// New builds a taxonomy error with no known feature index.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), FeatureIndex: -1}
}

// Wrap attaches a taxonomy kind to an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), FeatureIndex: -1, cause: cause}
}

// AtFeature returns a copy of e annotated with the offending feature index.
func (e *Error) AtFeature(idx int) *Error {
	cp := *e
	cp.FeatureIndex = idx
	return &cp
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	if e.FeatureIndex >= 0 {
		msg = fmt.Sprintf("%s (feature %d)", msg, e.FeatureIndex)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the taxonomy kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the failure is worth retrying. Only the
// completion service boundary is; everything else is deterministic.
func Retryable(err error) bool {
	return KindOf(err) == AiUnavailable
}
