// Package errs provides the structured error taxonomy shared across the
// orchestration core: configuration, resource, not-found, and state-conflict
// failures. Provider and tool failures inside the agent loop are not errors in
// this sense; they are captured into the execution result.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling policy.
type Kind int8

const (
	// KindConfiguration marks non-retryable setup errors (missing setting,
	// invalid backend selection). These fail fast before any work starts.
	KindConfiguration Kind = iota
	// KindResource marks workspace/container allocation or lifecycle
	// failures. The owning entity's status flips to error.
	KindResource
	// KindNotFound marks a referenced entity that does not exist.
	KindNotFound
	// KindStateConflict marks an operation invalid for the entity's current
	// state (cancel on a terminal execution, start on a removing container).
	KindStateConflict
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindResource:
		return "resource"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	default:
		return "invalid"
	}
}

// Error is a classified orchestration error carrying enough context to
// diagnose which entity and operation failed.
type Error struct {
	Err    error
	Entity string
	ID     string
	Op     string
	Msg    string
	Kind   Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b string
	if e.Entity != "" {
		b = e.Entity
		if e.ID != "" {
			b += " " + e.ID
		}
		b += ": "
	}
	if e.Op != "" {
		b += e.Op + ": "
	}
	if e.Msg != "" {
		b += e.Msg
	}
	if e.Err != nil {
		if e.Msg != "" {
			b += ": "
		}
		b += e.Err.Error()
	}
	return fmt.Sprintf("%s (%s)", b, e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Configuration creates a configuration error.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// Resource creates a resource error for the given entity and operation.
func Resource(entity, id, op string, err error) *Error {
	return &Error{Kind: KindResource, Entity: entity, ID: id, Op: op, Err: err}
}

// NotFound creates a not-found error for the given entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Msg: "not found"}
}

// StateConflict creates a state-conflict error naming the conflicting states.
func StateConflict(entity, id, op, current string) *Error {
	return &Error{
		Kind:   KindStateConflict,
		Entity: entity,
		ID:     id,
		Op:     op,
		Msg:    fmt.Sprintf("invalid in state %q", current),
	}
}

// IsKind reports whether err (or anything it wraps) is an *Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsStateConflict reports whether err is a state-conflict error.
func IsStateConflict(err error) bool { return IsKind(err, KindStateConflict) }

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool { return IsKind(err, KindConfiguration) }
