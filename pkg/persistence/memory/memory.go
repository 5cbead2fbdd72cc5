// Package memory provides an in-memory persistence implementation for tests
// and local development. It honors the same contracts as the PostgreSQL
// backend: optimistic instance versioning and gapless per-instance event
// sequencing.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

// Persistence implements persistence.Persistence on in-process maps.
type Persistence struct {
	mu          sync.RWMutex
	instances   map[string]*models.Instance
	events      map[string][]*models.WorkflowEvent
	steps       map[string]map[string]*models.StepExecution
	transitions map[string][]*models.Transition
	autoActions map[string]map[string]string
	incidents   []*models.Incident
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		instances:   make(map[string]*models.Instance),
		events:      make(map[string][]*models.WorkflowEvent),
		steps:       make(map[string]map[string]*models.StepExecution),
		transitions: make(map[string][]*models.Transition),
		autoActions: make(map[string]map[string]string),
	}
}

// SeedTransitions loads transition rows and auto actions for a flow version.
func (p *Persistence) SeedTransitions(flowVersion string, transitions []*models.Transition, autoActions map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transitions[flowVersion] = transitions
	p.autoActions[flowVersion] = autoActions
}

// CreateInstance stores a new instance.
func (p *Persistence) CreateInstance(ctx context.Context, instance *models.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.instances[instance.ID]; exists {
		return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceAlreadyExists)
	}

	now := time.Now().UTC()

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	if instance.StateStartedAt.IsZero() {
		instance.StateStartedAt = now
	}

	instance.UpdatedAt = now

	if instance.Version == 0 {
		instance.Version = 1
	}

	stored := *instance
	p.instances[instance.ID] = &stored

	return nil
}

// InstanceByID returns a copy of the instance or ErrInstanceNotFound.
func (p *Persistence) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stored, exists := p.instances[id]
	if !exists {
		return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
	}

	instance := *stored

	return &instance, nil
}

// UpdateInstance applies the write only when the stored version is exactly
// one behind the incoming one.
func (p *Persistence) UpdateInstance(ctx context.Context, instance *models.Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, exists := p.instances[instance.ID]
	if !exists {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrInstanceNotFound)
	}

	if stored.Version != instance.Version-1 {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrVersionConflict)
	}

	instance.UpdatedAt = time.Now().UTC()

	updated := *instance
	p.instances[instance.ID] = &updated

	return nil
}

// ActiveInstancesInStates returns ACTIVE instances parked in the given states.
func (p *Persistence) ActiveInstancesInStates(ctx context.Context, flowVersion string, states []string, minAge time.Duration) ([]*models.Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	inStates := make(map[string]bool, len(states))
	for _, state := range states {
		inStates[state] = true
	}

	cutoff := time.Now().UTC().Add(-minAge)

	matches := make([]*models.Instance, 0)

	for _, stored := range p.instances {
		if stored.Status != models.InstanceStatusActive {
			continue
		}

		if stored.FlowVersion != flowVersion || !inStates[stored.CurrentState] {
			continue
		}

		if stored.StateStartedAt.After(cutoff) {
			continue
		}

		instance := *stored
		matches = append(matches, &instance)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StateStartedAt.Before(matches[j].StateStartedAt)
	})

	return matches, nil
}

// AppendEvent allocates the next sequence number under the store lock, which
// serializes appends per instance the same way the database constraint does.
func (p *Persistence) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	log := p.events[event.InstanceID]
	event.SequenceNumber = int64(len(log)) + 1

	stored := *event
	stored.Payload = append(json.RawMessage(nil), event.Payload...)
	p.events[event.InstanceID] = append(log, &stored)

	return nil
}

// EventsByInstance returns the ordered event history.
func (p *Persistence) EventsByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	log := p.events[instanceID]

	events := make([]*models.WorkflowEvent, 0, len(log))

	for _, stored := range log {
		event := *stored
		events = append(events, &event)
	}

	return events, nil
}

// ActionReceivedByRequestID returns the ACTION_RECEIVED event for a request id.
func (p *Persistence) ActionReceivedByRequestID(ctx context.Context, instanceID, requestID string) (*models.WorkflowEvent, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, stored := range p.events[instanceID] {
		if stored.EventType != models.EventActionReceived {
			continue
		}

		var payload models.ActionReceivedPayload

		err := json.Unmarshal(stored.Payload, &payload)
		if err != nil {
			continue
		}

		if payload.RequestID == requestID {
			event := *stored

			return &event, nil
		}
	}

	return nil, &persistence.EventError{Op: "ActionReceivedByRequestID", InstanceID: instanceID, Err: persistence.ErrEventNotFound}
}

// UpsertStepExecution records side-effect step progress.
func (p *Persistence) UpsertStepExecution(ctx context.Context, step *models.StepExecution) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	byState, exists := p.steps[step.InstanceID]
	if !exists {
		byState = make(map[string]*models.StepExecution)
		p.steps[step.InstanceID] = byState
	}

	step.UpdatedAt = time.Now().UTC()

	stored := *step
	byState[step.State] = &stored

	return nil
}

// StuckStepExecutions returns steps stuck in RUNNING or PENDING past the threshold.
func (p *Persistence) StuckStepExecutions(ctx context.Context, threshold time.Duration) ([]*models.StepExecution, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)

	stuck := make([]*models.StepExecution, 0)

	for _, byState := range p.steps {
		for _, stored := range byState {
			if stored.Status != models.StepStatusRunning && stored.Status != models.StepStatusPending {
				continue
			}

			if stored.UpdatedAt.After(cutoff) {
				continue
			}

			step := *stored
			stuck = append(stuck, &step)
		}
	}

	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt)
	})

	return stuck, nil
}

// TransitionsByFlowVersion returns seeded transition rows and auto actions.
func (p *Persistence) TransitionsByFlowVersion(ctx context.Context, flowVersion string) ([]*models.Transition, map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	transitions, exists := p.transitions[flowVersion]
	if !exists || len(transitions) == 0 {
		return nil, nil, persistence.ErrFlowVersionNotFound
	}

	autoActions := make(map[string]string, len(p.autoActions[flowVersion]))
	for state, action := range p.autoActions[flowVersion] {
		autoActions[state] = action
	}

	return transitions, autoActions, nil
}

// RecordIncident stores an incident record.
func (p *Persistence) RecordIncident(ctx context.Context, incident *models.Incident) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = time.Now().UTC()
	}

	stored := *incident
	p.incidents = append(p.incidents, &stored)

	return nil
}

// Incidents returns recorded incidents, newest last. Test helper.
func (p *Persistence) Incidents() []*models.Incident {
	p.mu.RLock()
	defer p.mu.RUnlock()

	incidents := make([]*models.Incident, 0, len(p.incidents))

	for _, stored := range p.incidents {
		incident := *stored
		incidents = append(incidents, &incident)
	}

	return incidents
}

// HealthCheck always succeeds for the in-memory backend.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	return nil
}

// Close releases nothing; the backend lives in process memory.
func (p *Persistence) Close(ctx context.Context) error {
	return nil
}
