package effects

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/onwardhq/onward/pkg/models"
)

// ErrNonDeterminism indicates replay could not match a requested side effect
// against the recorded history. This is always a hard failure: serving the
// wrong record, or falling back to a live call, risks firing a non-idempotent
// external operation twice.
var ErrNonDeterminism = errors.New("non-determinism detected during replay")

// ReplaySession is an explicit, goroutine-scoped cursor over an instance's
// recorded SIDE_EFFECT events. A nil session means live execution. Sessions
// are never shared between goroutines and never stored globally.
type ReplaySession struct {
	instanceID string
	recorded   []*models.WorkflowEvent
	cursor     int
}

// NewReplaySession builds a session from the instance's full event history,
// keeping only SIDE_EFFECT events in their original order. Collection stops
// at the first SAGA_COMPENSATION event: effects recorded past that point
// belong to compensation activities, which run outside the command flow and
// are never re-fed during replay.
func NewReplaySession(instanceID string, history []*models.WorkflowEvent) *ReplaySession {
	recorded := make([]*models.WorkflowEvent, 0)

	for _, event := range history {
		if event.EventType == models.EventSagaCompensation {
			break
		}

		if event.EventType == models.EventSideEffect {
			recorded = append(recorded, event)
		}
	}

	return &ReplaySession{instanceID: instanceID, recorded: recorded}
}

// Next consumes the next recorded side effect. The name must match the
// record at the cursor: side effects are invoked in the same relative order
// on every execution of a given instance, so any divergence means the code
// and the history no longer agree.
func (s *ReplaySession) Next(name string) (json.RawMessage, error) {
	if s.cursor >= len(s.recorded) {
		return nil, fmt.Errorf("%w: no recorded result for side effect %q on instance %s", ErrNonDeterminism, name, s.instanceID)
	}

	event := s.recorded[s.cursor]

	var payload models.SideEffectPayload

	err := json.Unmarshal(event.Payload, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode recorded side effect at sequence %d: %w", event.SequenceNumber, err)
	}

	if payload.Name != name {
		return nil, fmt.Errorf("%w: expected side effect %q but history records %q at sequence %d",
			ErrNonDeterminism, name, payload.Name, event.SequenceNumber)
	}

	s.cursor++

	return payload.Result, nil
}

// Remaining returns how many recorded side effects have not been consumed.
func (s *ReplaySession) Remaining() int {
	return len(s.recorded) - s.cursor
}
