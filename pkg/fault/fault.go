// Package fault defines the tagged error kinds shared across the
// platform. Kinds travel on the wire in the error field of response
// frames, so their string values are part of the protocol.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// Registry and data model.
	NotFound           Kind = "not_found"
	AlreadyExists      Kind = "already_exists"
	InvariantViolation Kind = "invariant_violation"

	// Capacity limits.
	CapacityExceeded Kind = "capacity_exceeded"
	QueueFull        Kind = "queue_full"
	Backpressure     Kind = "backpressure"

	// Protocol layer.
	BadFrame         Kind = "bad_frame"
	UnknownCommand   Kind = "unknown_command"
	MalformedPayload Kind = "malformed_payload"

	// Networking.
	RequestTimeout     Kind = "request_timeout"
	ConnectionLost     Kind = "connection_lost"
	MaxRetriesExceeded Kind = "max_retries_exceeded"

	// LLM dispatcher.
	BackendUnhealthy   Kind = "backend_unhealthy"
	NoBackendAvailable Kind = "no_backend_available"

	// Persistence.
	ConnectionFailed Kind = "connection_failed"
	QueryFailed      Kind = "query_failed"
	BatchFailed      Kind = "batch_failed"

	// Lifecycle.
	ShutdownInProgress Kind = "shutdown_in_progress"
)

// Error carries a kind, the operation that failed and an optional
// wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, e.Msg)
	default:
		return fmt.Sprintf("%s [%s]", e.Op, e.Kind)
	}
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// Is matches two fault errors by kind, so
// errors.Is(err, &Error{Kind: NotFound}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a fault with a formatted message.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and operation.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost fault in err's chain, or ""
// when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
