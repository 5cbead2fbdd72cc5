// Package saga rolls failed instances back by running the compensation
// actions of their applied transitions in reverse order. Compensation is
// best-effort per step: one failing compensation is logged and skipped so the
// remaining ones still run.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onwardhq/onward/pkg/effects"
	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

const maxVersionRetries = 3

// Compensator implements reverse-order compensation over the event log.
type Compensator struct {
	store    persistence.Persistence
	table    *flow.Table
	executor *effects.Executor
	logger   *slog.Logger
}

// NewCompensator creates a saga compensator.
func NewCompensator(store persistence.Persistence, table *flow.Table, executor *effects.Executor, logger *slog.Logger) *Compensator {
	return &Compensator{
		store:    store,
		table:    table,
		executor: executor,
		logger:   logger.With("module", "saga"),
	}
}

// Compensate rolls the instance back. Applied transitions are reconstructed
// from the event log, their compensation actions run last-in first-out, and
// the instance ends COMPENSATED regardless of how many individual
// compensations succeeded; the finished event records the counts.
func (c *Compensator) Compensate(ctx context.Context, instanceID, reason string) error {
	logger := c.logger.With("instance_id", instanceID)

	instance, err := c.store.InstanceByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance: %w", err)
	}

	if instance.Status == models.InstanceStatusCompensated {
		logger.InfoContext(ctx, "Instance already compensated, skipping")

		return nil
	}

	applied, err := c.appliedCompensations(ctx, instance)
	if err != nil {
		return err
	}

	total := len(applied)

	err = c.appendCompensationEvent(ctx, instanceID, models.CompensationPayload{
		Phase: "started", Reason: reason, Total: total,
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Compensation started", "reason", reason, "steps", total)

	compensated := 0

	for i := len(applied) - 1; i >= 0; i-- {
		action := applied[i].CompensationAction

		err := c.runCompensation(ctx, instance, action)
		if err != nil {
			logger.ErrorContext(ctx, "Compensation step failed, continuing",
				"compensation", action, "error", err)

			continue
		}

		compensated++
	}

	err = c.appendCompensationEvent(ctx, instanceID, models.CompensationPayload{
		Phase: "finished", Reason: reason, Compensated: compensated, Total: total,
	})
	if err != nil {
		return err
	}

	err = c.markCompensated(ctx, instance)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Compensation finished", "compensated", compensated, "total", total)

	return nil
}

// appliedCompensations returns, in application order, the applied transitions
// that declare a compensation action.
func (c *Compensator) appliedCompensations(ctx context.Context, instance *models.Instance) ([]*models.Transition, error) {
	events, err := c.store.EventsByInstance(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event history: %w", err)
	}

	applied := make([]*models.Transition, 0)

	for _, event := range events {
		if event.EventType != models.EventStateTransition {
			continue
		}

		var payload models.StateTransitionPayload

		err := json.Unmarshal(event.Payload, &payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode transition event at sequence %d: %w", event.SequenceNumber, err)
		}

		transition, ok := c.table.Resolve(instance.FlowVersion, payload.From, payload.Action)
		if !ok || transition.CompensationAction == "" {
			continue
		}

		applied = append(applied, transition)
	}

	return applied, nil
}

// runCompensation executes one compensation activity through the live effect
// scope so its external calls are recorded like any other side effect. A
// compensation with no registered activity is a pure marker and succeeds.
func (c *Compensator) runCompensation(ctx context.Context, instance *models.Instance, action string) error {
	activity, ok := c.executor.Registry().ActivityFor(action)
	if !ok {
		c.logger.DebugContext(ctx, "No activity registered for compensation, marking done",
			"instance_id", instance.ID, "compensation", action)

		return nil
	}

	cmd := &models.ActionCommand{
		InstanceID: instance.ID,
		Action:     action,
		Actor:      models.ActorSystem,
		RequestID:  uuid.New().String(),
		OccurredAt: time.Now().UTC(),
	}

	scope := c.executor.Scope(instance.ID, nil)

	return activity(ctx, scope, instance, cmd)
}

func (c *Compensator) appendCompensationEvent(ctx context.Context, instanceID string, payload models.CompensationPayload) error {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal compensation payload: %w", err)
	}

	event := &models.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  models.EventSagaCompensation,
		EventName:  payload.Phase,
		Payload:    serialized,
		CreatedBy:  string(models.ActorSystem),
	}

	err = c.store.AppendEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to append compensation event: %w", err)
	}

	return nil
}

func (c *Compensator) markCompensated(ctx context.Context, instance *models.Instance) error {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		updated := *instance
		updated.Status = models.InstanceStatusCompensated
		updated.Version = instance.Version + 1

		err := c.store.UpdateInstance(ctx, &updated)
		if err == nil {
			return nil
		}

		if !persistence.IsVersionConflict(err) {
			return fmt.Errorf("failed to mark instance compensated: %w", err)
		}

		instance, err = c.store.InstanceByID(ctx, instance.ID)
		if err != nil {
			return fmt.Errorf("failed to reload instance: %w", err)
		}
	}

	return fmt.Errorf("failed to mark instance %s compensated after %d attempts", instance.ID, maxVersionRetries)
}
