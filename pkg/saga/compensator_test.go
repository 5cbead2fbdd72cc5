package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onwardhq/onward/pkg/effects"
	"github.com/onwardhq/onward/pkg/engine"
	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence/memory"
	"github.com/onwardhq/onward/pkg/saga"
)

type sagaRig struct {
	store       *memory.Persistence
	table       *flow.Table
	executor    *effects.Executor
	engine      *engine.Engine
	compensator *saga.Compensator

	// compensation activity invocations in call order
	undone   []string
	failUndo map[string]bool
}

// newSagaRig builds a four-step flow A -> B -> C -> D where the B and D hops
// declare compensations, driven to a chosen point by the engine.
func newSagaRig(t *testing.T) *sagaRig {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	store := memory.NewPersistence()
	store.SeedTransitions("v1", []*models.Transition{
		{FlowVersion: "v1", FromState: "A", Action: "STEP_B", ToState: "B",
			AllowedActors: []models.Actor{models.ActorUser}, CompensationAction: "UNDO_B"},
		{FlowVersion: "v1", FromState: "B", Action: "STEP_C", ToState: "C",
			AllowedActors: []models.Actor{models.ActorUser}},
		{FlowVersion: "v1", FromState: "C", Action: "STEP_D", ToState: "D",
			AllowedActors: []models.Actor{models.ActorUser}, CompensationAction: "UNDO_D"},
	}, nil)

	table := flow.NewTable()
	require.NoError(t, table.Load(context.Background(), store, "v1"))

	rig := &sagaRig{store: store, table: table, failUndo: make(map[string]bool)}

	registry := effects.NewRegistry()

	for _, name := range []string{"UNDO_B", "UNDO_D"} {
		require.NoError(t, registry.Register(name, rig.undoActivity(name), "undo."+name))
	}

	rig.executor = effects.NewExecutor(store, registry, logger)
	rig.engine = engine.NewEngine(store, table, rig.executor, nil, logger, engine.DefaultConfig())
	rig.compensator = saga.NewCompensator(store, table, rig.executor, logger)

	return rig
}

func (r *sagaRig) undoActivity(name string) effects.Activity {
	return func(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
		if r.failUndo[name] {
			return errors.New(name + " provider down")
		}

		r.undone = append(r.undone, name)

		_, err := scope.Do(ctx, "undo."+name, func(ctx context.Context) (any, error) {
			return map[string]string{"undone": name}, nil
		})

		return err
	}
}

func (r *sagaRig) runTo(t *testing.T, instanceID string, actions ...string) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, r.store.CreateInstance(ctx, &models.Instance{
		ID: instanceID, FlowVersion: "v1", CurrentState: "A",
		Status: models.InstanceStatusActive, Version: 1,
	}))

	for i, action := range actions {
		_, err := r.engine.Handle(ctx, &models.ActionCommand{
			InstanceID: instanceID,
			Action:     action,
			Actor:      models.ActorUser,
			RequestID:  action + "-" + string(rune('0'+i)),
		})
		require.NoError(t, err)
	}
}

func TestCompensateRunsInReverseOrder(t *testing.T) {
	ctx := context.Background()
	rig := newSagaRig(t)
	rig.runTo(t, "inst-1", "STEP_B", "STEP_C", "STEP_D")

	require.NoError(t, rig.compensator.Compensate(ctx, "inst-1", "downstream rejected"))

	// D's compensation runs before B's; the uncompensated C hop is skipped.
	assert.Equal(t, []string{"UNDO_D", "UNDO_B"}, rig.undone)

	instance, err := rig.store.InstanceByID(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompensated, instance.Status)
}

func TestCompensatePartialProgress(t *testing.T) {
	ctx := context.Background()
	rig := newSagaRig(t)
	rig.runTo(t, "inst-1", "STEP_B", "STEP_C")

	require.NoError(t, rig.compensator.Compensate(ctx, "inst-1", "operator abort"))

	// Only B was applied with a compensation; D never ran.
	assert.Equal(t, []string{"UNDO_B"}, rig.undone)
}

func TestCompensateContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	rig := newSagaRig(t)
	rig.runTo(t, "inst-1", "STEP_B", "STEP_C", "STEP_D")
	rig.failUndo["UNDO_D"] = true

	require.NoError(t, rig.compensator.Compensate(ctx, "inst-1", "downstream rejected"))

	// UNDO_D failed but UNDO_B still ran, and the instance still ends
	// COMPENSATED with the counts recorded.
	assert.Equal(t, []string{"UNDO_B"}, rig.undone)

	instance, err := rig.store.InstanceByID(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompensated, instance.Status)

	var finished *models.CompensationPayload

	events, err := rig.store.EventsByInstance(ctx, "inst-1")
	require.NoError(t, err)

	for _, event := range events {
		if event.EventType != models.EventSagaCompensation || event.EventName != "finished" {
			continue
		}

		var payload models.CompensationPayload

		require.NoError(t, json.Unmarshal(event.Payload, &payload))

		finished = &payload
	}

	require.NotNil(t, finished)
	assert.Equal(t, 1, finished.Compensated)
	assert.Equal(t, 2, finished.Total)
}

func TestCompensateBracketsHistoryWithEvents(t *testing.T) {
	ctx := context.Background()
	rig := newSagaRig(t)
	rig.runTo(t, "inst-1", "STEP_B")

	require.NoError(t, rig.compensator.Compensate(ctx, "inst-1", "abort"))

	events, err := rig.store.EventsByInstance(ctx, "inst-1")
	require.NoError(t, err)

	var names []string

	for _, event := range events {
		if event.EventType == models.EventSagaCompensation {
			names = append(names, event.EventName)
		}
	}

	assert.Equal(t, []string{"started", "finished"}, names)
}

func TestCompensateIsIdempotentOnCompensatedInstances(t *testing.T) {
	ctx := context.Background()
	rig := newSagaRig(t)
	rig.runTo(t, "inst-1", "STEP_B")

	require.NoError(t, rig.compensator.Compensate(ctx, "inst-1", "abort"))
	require.NoError(t, rig.compensator.Compensate(ctx, "inst-1", "abort again"))

	// The second call is a no-op: no duplicate undo, no extra events.
	assert.Equal(t, []string{"UNDO_B"}, rig.undone)
}
