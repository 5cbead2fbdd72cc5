package models

import "time"

// StepStatus is the lifecycle of a single side-effect execution attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// StepExecution tracks the progress of one side-effect step so the recovery
// scanner can detect abandoned work. It carries no business meaning beyond
// "was this step left mid-flight".
type StepExecution struct {
	InstanceID string     `json:"instance_id"`
	State      string     `json:"state"`
	Status     StepStatus `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StuckStepTag marks step executions failed by the recovery scanner rather
// than by their own execution path.
const StuckStepTag = "STUCK_STEP"

// Incident is the durable record of an unrecoverable activity failure. It
// keeps failed instances inspectable instead of silently hung.
type Incident struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	State      string    `json:"state"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
