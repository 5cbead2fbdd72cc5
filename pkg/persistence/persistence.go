// Package persistence provides the data storage abstraction for instances,
// workflow events, step executions and transition definitions.
package persistence

import (
	"context"
	"time"

	"github.com/onwardhq/onward/pkg/models"
)

// Persistence is the storage contract the engine and its subsystems depend
// on. Implementations must provide a transactional store for instances (with
// an optimistic-lock version column) and an append-only ordered store for
// workflow events keyed uniquely by (instance id, sequence number).
type Persistence interface {
	// CreateInstance stores a new instance. Returns ErrInstanceAlreadyExists
	// when the id is taken.
	CreateInstance(ctx context.Context, instance *models.Instance) error

	// InstanceByID returns the instance or ErrInstanceNotFound.
	InstanceByID(ctx context.Context, id string) (*models.Instance, error)

	// UpdateInstance persists the instance under optimistic concurrency: the
	// write succeeds only when the stored version equals instance.Version-1.
	// Returns ErrVersionConflict otherwise.
	UpdateInstance(ctx context.Context, instance *models.Instance) error

	// ActiveInstancesInStates returns ACTIVE instances parked in any of the
	// given states longer than minAge. Used by the recovery scanner.
	ActiveInstancesInStates(ctx context.Context, flowVersion string, states []string, minAge time.Duration) ([]*models.Instance, error)

	// AppendEvent appends an event to the instance's log, allocating the next
	// gapless sequence number atomically. The allocated number is written
	// back into event.SequenceNumber.
	AppendEvent(ctx context.Context, event *models.WorkflowEvent) error

	// EventsByInstance returns the full event history ordered by sequence
	// number ascending.
	EventsByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error)

	// ActionReceivedByRequestID returns the ACTION_RECEIVED event recorded
	// for the given request id, or ErrEventNotFound.
	ActionReceivedByRequestID(ctx context.Context, instanceID, requestID string) (*models.WorkflowEvent, error)

	// UpsertStepExecution records the progress of a side-effect step. One row
	// per (instance, state).
	UpsertStepExecution(ctx context.Context, step *models.StepExecution) error

	// StuckStepExecutions returns steps sitting in RUNNING or PENDING longer
	// than the threshold.
	StuckStepExecutions(ctx context.Context, threshold time.Duration) ([]*models.StepExecution, error)

	// TransitionsByFlowVersion returns all transition rows for one flow
	// version together with the per-state automatic follow-up actions.
	TransitionsByFlowVersion(ctx context.Context, flowVersion string) ([]*models.Transition, map[string]string, error)

	// RecordIncident stores an incident record.
	RecordIncident(ctx context.Context, incident *models.Incident) error

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
