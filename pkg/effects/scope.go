package effects

import (
	"context"
	"encoding/json"
)

// Scope binds the executor to one instance and, during replay, to its
// session. Activities receive a scope instead of the raw executor so they
// cannot accidentally execute against the wrong instance or bypass replay.
type Scope struct {
	executor   *Executor
	session    *ReplaySession
	instanceID string
}

// Scope creates an invocation scope. A nil session means live execution.
func (e *Executor) Scope(instanceID string, session *ReplaySession) *Scope {
	return &Scope{executor: e, session: session, instanceID: instanceID}
}

// Do executes the named side effect within this scope.
func (s *Scope) Do(ctx context.Context, name string, producer Producer) (json.RawMessage, error) {
	return s.executor.Do(ctx, s.session, s.instanceID, name, producer)
}

// Replaying reports whether this scope serves recorded results.
func (s *Scope) Replaying() bool {
	return s.session != nil
}
