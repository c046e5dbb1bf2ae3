// Package errkind defines the tagged error taxonomy used at every layer of the
// orchestrator. Operations return either a value or an error carrying exactly
// one Kind; no exceptional control flow crosses component boundaries.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	InvalidRequest        Kind = "invalid_request"
	NotFound              Kind = "not_found"
	AlreadyExists         Kind = "already_exists"
	InvalidWorkflowState  Kind = "invalid_workflow_state"
	ConcurrencyConflict   Kind = "concurrency_conflict"
	ShardUnavailable      Kind = "shard_unavailable"
	HistoryEvent          Kind = "history_event_error"
	TaskLeaseExpired      Kind = "task_lease_expired"
	Persistence           Kind = "persistence_error"
	Canceled              Kind = "canceled"
	WorkflowNotRegistered Kind = "workflow_not_registered"
	WorkflowFailed        Kind = "workflow_execution_failed"
)

// Error is a tagged error. It wraps an optional cause so that errors.Is and
// errors.As keep working across component boundaries.
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

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Context cancellation maps to Canceled; untagged errors map to Persistence,
// the retryable catch-all.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Canceled
	}
	return Persistence
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
