// Package models defines the core domain types for onboarding workflow execution.
package models

import (
	"time"
)

// InstanceStatus is the coarse lifecycle of an onboarding instance. It is
// orthogonal to CurrentState, which tracks the fine-grained business position
// governed by the transition table.
type InstanceStatus string

const (
	InstanceStatusActive      InstanceStatus = "ACTIVE"
	InstanceStatusPaused      InstanceStatus = "PAUSED"
	InstanceStatusCompleted   InstanceStatus = "COMPLETED"
	InstanceStatusCancelled   InstanceStatus = "CANCELLED"
	InstanceStatusCompensated InstanceStatus = "COMPENSATED"
	InstanceStatusExpired     InstanceStatus = "EXPIRED"
	InstanceStatusFailed      InstanceStatus = "FAILED"
)

// IsTerminal reports whether the status accepts no further mutation.
// FAILED is deliberately not terminal: failed instances remain eligible for
// compensation or operator-driven retry.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusCancelled, InstanceStatusCompensated, InstanceStatusExpired:
		return true
	default:
		return false
	}
}

// Instance is the aggregate root of one customer onboarding run. It is created
// by the start operation, mutated exclusively by the engine, and never deleted.
type Instance struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	FlowVersion    string         `json:"flow_version"`
	CurrentState   string         `json:"current_state"`
	Status         InstanceStatus `json:"status"`
	Version        int64          `json:"version"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	StateStartedAt time.Time      `json:"state_started_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
