// Package fault defines the error taxonomy shared by the orchestration core.
// Errors are classified by Kind so callers can route recovery (retry, DLQ,
// workflow failure) without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for recovery routing.
type Kind string

const (
	// KindValidation marks a malformed envelope or task payload.
	KindValidation Kind = "VALIDATION"
	// KindNotFound marks a missing workflow or task id.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict marks a failed compare-and-set on workflow state.
	KindConflict Kind = "CONFLICT"
	// KindTimeout marks an elapsed dispatch deadline.
	KindTimeout Kind = "TIMEOUT"
	// KindBusUnavailable marks a transient bus or KV error.
	KindBusUnavailable Kind = "BUS_UNAVAILABLE"
	// KindRateLimit marks a model-API 429.
	KindRateLimit Kind = "RATE_LIMIT"
	// KindCircuitOpen marks a fast-fail through an open breaker.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	// KindAgentExecution marks an agent-reported failure.
	KindAgentExecution Kind = "AGENT_EXECUTION"
	// KindSchemaMismatch marks an unknown or wrong-version envelope schema.
	KindSchemaMismatch Kind = "SCHEMA_MISMATCH"
	// KindDeadLetter marks an envelope whose retries are exhausted.
	KindDeadLetter Kind = "DEAD_LETTER"
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. Returns nil if err is nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether the error kind is recoverable by backoff.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindBusUnavailable, KindRateLimit, KindConflict:
		return true
	}
	return false
}
