package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/onwardhq/onward/pkg/effects"
	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
	"github.com/onwardhq/onward/pkg/persistence/memory"
)

// ReplayResult reports the outcome of reconstructing an instance from its
// event log in a sandbox.
type ReplayResult struct {
	InstanceID string `json:"instance_id"`

	// States lists every state the sandbox instance moved through, in order.
	States []string `json:"states"`

	// FinalState is where the sandbox run ended up.
	FinalState string `json:"final_state"`

	// RecordedState is where the stored instance actually is.
	RecordedState string `json:"recorded_state"`

	// UnconsumedEffects counts recorded side effects the replay never asked
	// for. Non-zero means the code and the history disagree.
	UnconsumedEffects int `json:"unconsumed_effects"`

	Consistent bool `json:"consistent"`
}

// Replayer reconstructs instances deterministically from their event logs.
// The replay runs against a sandboxed in-memory store with a fresh engine, so
// it never touches live rows and never fires a producer.
type Replayer struct {
	store    persistence.Persistence
	table    *flow.Table
	registry *effects.Registry
	logger   *slog.Logger
	config   Config
}

// NewReplayer creates a replayer over the live store and the shared
// transition table.
func NewReplayer(store persistence.Persistence, table *flow.Table, registry *effects.Registry, logger *slog.Logger, config Config) *Replayer {
	return &Replayer{
		store:    store,
		table:    table,
		registry: registry,
		logger:   logger.With("module", "replay"),
		config:   config,
	}
}

// Replay re-executes the instance's recorded commands against a sandbox,
// serving every side effect from history, and compares the reconstructed
// state against the stored one.
func (r *Replayer) Replay(ctx context.Context, instanceID string) (*ReplayResult, error) {
	instance, err := r.store.InstanceByID(ctx, instanceID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			return nil, newError(KindNotFound, instanceID, "", err)
		}

		return nil, fmt.Errorf("failed to load instance: %w", err)
	}

	history, err := r.store.EventsByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event history: %w", err)
	}

	sandbox, err := r.seedSandbox(ctx, instance, history)
	if err != nil {
		return nil, err
	}

	session := effects.NewReplaySession(instanceID, history)
	executor := effects.NewExecutor(sandbox, r.registry, r.logger)

	eng := NewEngine(sandbox, r.table, executor, nil, r.logger, r.config)
	eng.session = session

	result := &ReplayResult{
		InstanceID:    instanceID,
		RecordedState: instance.CurrentState,
	}

	for _, event := range history {
		if event.EventType != models.EventActionReceived {
			continue
		}

		var payload models.ActionReceivedPayload

		err := json.Unmarshal(event.Payload, &payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode action received event at sequence %d: %w", event.SequenceNumber, err)
		}

		cmd := &models.ActionCommand{
			InstanceID: instanceID,
			Action:     payload.Action,
			Actor:      payload.Actor,
			RequestID:  payload.RequestID,
			OccurredAt: event.CreatedAt,
		}

		state, err := eng.Handle(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("replay diverged handling %s (request %s): %w", cmd.Action, cmd.RequestID, err)
		}

		result.States = append(result.States, state)
	}

	replayed, err := sandbox.InstanceByID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sandbox instance: %w", err)
	}

	result.FinalState = replayed.CurrentState
	result.UnconsumedEffects = session.Remaining()
	result.Consistent = result.FinalState == result.RecordedState && result.UnconsumedEffects == 0

	r.logger.InfoContext(ctx, "Replay finished",
		"instance_id", instanceID,
		"final_state", result.FinalState,
		"recorded_state", result.RecordedState,
		"consistent", result.Consistent)

	return result, nil
}

// seedSandbox builds the in-memory store holding a copy of the instance reset
// to its initial state and an empty event log. The initial state comes from
// the first recorded transition; an instance with no transitions is replayed
// from where it stands.
func (r *Replayer) seedSandbox(ctx context.Context, instance *models.Instance, history []*models.WorkflowEvent) (*memory.Persistence, error) {
	initialState := instance.CurrentState

	for _, event := range history {
		if event.EventType != models.EventStateTransition {
			continue
		}

		var payload models.StateTransitionPayload

		err := json.Unmarshal(event.Payload, &payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode transition event at sequence %d: %w", event.SequenceNumber, err)
		}

		initialState = payload.From

		break
	}

	sandbox := memory.NewPersistence()

	seed := *instance
	seed.CurrentState = initialState
	seed.Status = models.InstanceStatusActive
	seed.Version = 1

	err := sandbox.CreateInstance(ctx, &seed)
	if err != nil {
		return nil, fmt.Errorf("failed to seed sandbox instance: %w", err)
	}

	return sandbox, nil
}
