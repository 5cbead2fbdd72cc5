package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can mechanically decide between
// retrying and surfacing, instead of inspecting error chains.
type Kind string

const (
	// KindNotFound: no instance with the given id. Structural, never retried.
	KindNotFound Kind = "NOT_FOUND"

	// KindTerminalState: the instance status accepts no further commands.
	KindTerminalState Kind = "TERMINAL_STATE"

	// KindInvalidTransition: the table has no row for (version, state, action).
	KindInvalidTransition Kind = "INVALID_TRANSITION"

	// KindForbiddenActor: the actor is not allowed to drive the transition.
	KindForbiddenActor Kind = "FORBIDDEN_ACTOR"

	// KindConcurrencyExhausted: optimistic-lock retries ran out. Transient.
	KindConcurrencyExhausted Kind = "CONCURRENCY_EXHAUSTED"

	// KindOverloaded: admission control rejected the command. Transient,
	// the caller should back off and retry.
	KindOverloaded Kind = "OVERLOADED"

	// KindActivityFailed: a side effect exhausted its retry policy.
	KindActivityFailed Kind = "ACTIVITY_FAILED"

	// KindNonDeterminism: replay found no matching recorded side effect.
	KindNonDeterminism Kind = "NON_DETERMINISM"

	// KindChainDepthExceeded: auto-chaining exceeded its bound. Fatal, the
	// transition table loops.
	KindChainDepthExceeded Kind = "CHAIN_DEPTH_EXCEEDED"

	// KindInvalidCommand: the command itself is malformed.
	KindInvalidCommand Kind = "INVALID_COMMAND"
)

// Error is the engine's typed failure result.
type Error struct {
	Kind       Kind
	InstanceID string
	Action     string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: instance %s action %s: %v", e.Kind, e.InstanceID, e.Action, e.Err)
	}

	return fmt.Sprintf("%s: instance %s action %s", e.Kind, e.InstanceID, e.Action)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same command.
func (e *Error) Retryable() bool {
	return e.Kind == KindConcurrencyExhausted || e.Kind == KindOverloaded
}

func newError(kind Kind, instanceID, action string, err error) *Error {
	return &Error{Kind: kind, InstanceID: instanceID, Action: action, Err: err}
}

// KindOf extracts the engine error kind, if err carries one.
func KindOf(err error) (Kind, bool) {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind, true
	}

	return "", false
}

// IsKind checks whether err is an engine error of the given kind.
func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)

	return ok && got == kind
}

// IsRetryable reports whether err is a transient engine failure.
func IsRetryable(err error) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Retryable()
	}

	return false
}
