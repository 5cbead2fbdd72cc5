package models

import (
	"encoding/json"
	"time"
)

// EventType classifies entries of the per-instance workflow event log.
type EventType string

const (
	EventActionReceived   EventType = "ACTION_RECEIVED"
	EventStateTransition  EventType = "STATE_TRANSITION"
	EventSideEffect       EventType = "SIDE_EFFECT"
	EventRecovery         EventType = "RECOVERY"
	EventSagaCompensation EventType = "SAGA_COMPENSATION"
)

// WorkflowEvent is one immutable entry of the append-only, strictly ordered
// per-instance event log. The log is the sole source of truth for replay and
// compensation. Sequence numbers for one instance are allocated atomically:
// no two events may share or skip a number.
type WorkflowEvent struct {
	InstanceID     string          `json:"instance_id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      EventType       `json:"event_type"`
	EventName      string          `json:"event_name"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ActionReceivedPayload is the payload of an ACTION_RECEIVED event.
type ActionReceivedPayload struct {
	Action    string `json:"action"`
	Actor     Actor  `json:"actor"`
	RequestID string `json:"request_id"`
}

// StateTransitionPayload is the payload of a STATE_TRANSITION event. The
// request id ties the transition back to the exact command that produced it.
type StateTransitionPayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Action    string `json:"action"`
	RequestID string `json:"request_id"`
}

// SideEffectPayload is the payload of a SIDE_EFFECT event. Result holds the
// serialized producer output served back during replay.
type SideEffectPayload struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
}

// RecoveryPayload is the payload of a RECOVERY event.
type RecoveryPayload struct {
	Kind      string `json:"kind"`
	State     string `json:"state,omitempty"`
	Action    string `json:"action,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// CompensationPayload brackets a compensation pass with its outcome counts.
type CompensationPayload struct {
	Phase       string `json:"phase"` // "started" or "finished"
	Reason      string `json:"reason"`
	Compensated int    `json:"compensated"`
	Total       int    `json:"total"`
}
