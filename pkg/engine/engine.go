// Package engine implements the command-driven transition executor at the
// heart of the onboarding workflow core: it validates commands, resolves them
// against the transition table, executes side effects through the replay
// boundary, persists instances under optimistic concurrency and appends the
// event log that makes every run reconstructible.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onwardhq/onward/pkg/backpressure"
	"github.com/onwardhq/onward/pkg/effects"
	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/otelhelper"
	"github.com/onwardhq/onward/pkg/persistence"
)

// Dispatcher hands async follow-up commands to a transport (the command bus)
// instead of chaining them inline.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *models.ActionCommand) error
}

// Compensator rolls an instance back from its recorded history. Implemented
// by the saga package; wired after construction to break the dependency
// cycle between engine and compensation.
type Compensator interface {
	Compensate(ctx context.Context, instanceID, reason string) error
}

// Config bounds the engine's internal loops.
type Config struct {
	// MaxChainDepth bounds automatic follow-up chaining per handled command.
	MaxChainDepth int

	// MaxVersionRetries bounds the optimistic-lock retry loop.
	MaxVersionRetries int

	// WorkerID tags events written by this process.
	WorkerID string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxChainDepth:     10,
		MaxVersionRetries: 3,
		WorkerID:          "engine",
	}
}

// Engine executes ActionCommands against the transition table.
type Engine struct {
	store       persistence.Persistence
	table       *flow.Table
	executor    *effects.Executor
	admission   *backpressure.Controller
	dispatcher  Dispatcher
	compensator Compensator
	logger      *slog.Logger
	tracer      trace.Tracer
	config      Config

	// session is non-nil only on sandboxed replay engines. Replay engines
	// skip admission, never dispatch follow-ups and serve side effects from
	// history.
	session *effects.ReplaySession
}

// NewEngine creates a live engine.
func NewEngine(
	store persistence.Persistence,
	table *flow.Table,
	executor *effects.Executor,
	admission *backpressure.Controller,
	logger *slog.Logger,
	config Config,
) *Engine {
	if config.MaxChainDepth == 0 {
		config.MaxChainDepth = DefaultConfig().MaxChainDepth
	}

	if config.MaxVersionRetries == 0 {
		config.MaxVersionRetries = DefaultConfig().MaxVersionRetries
	}

	return &Engine{
		store:     store,
		table:     table,
		executor:  executor,
		admission: admission,
		logger:    logger.With("module", "engine"),
		config:    config,
	}
}

// WithDispatcher wires the async follow-up dispatcher.
func (e *Engine) WithDispatcher(dispatcher Dispatcher) *Engine {
	e.dispatcher = dispatcher

	return e
}

// WithTracer wires distributed tracing around command handling.
func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer

	return e
}

// SetCompensator wires the saga compensator invoked on unrecoverable
// activity failures along compensatable paths.
func (e *Engine) SetCompensator(compensator Compensator) {
	e.compensator = compensator
}

// Store returns the persistence layer the engine writes to.
func (e *Engine) Store() persistence.Persistence {
	return e.store
}

// Table returns the transition table the engine resolves against.
func (e *Engine) Table() *flow.Table {
	return e.table
}

// Handle executes one command and every synchronous follow-up it chains
// into, returning the final state reached. Follow-ups run on an explicit
// work queue rather than recursion, so deep chains cost queue entries, not
// stack frames.
func (e *Engine) Handle(ctx context.Context, cmd *models.ActionCommand) (string, error) {
	err := cmd.Validate()
	if err != nil {
		return "", newError(KindInvalidCommand, cmd.InstanceID, cmd.Action, err)
	}

	queue := []*models.ActionCommand{cmd}

	var lastState string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.ChainDepth > e.config.MaxChainDepth {
			return "", newError(KindChainDepthExceeded, current.InstanceID, current.Action,
				fmt.Errorf("auto-chain depth %d exceeds bound %d", current.ChainDepth, e.config.MaxChainDepth))
		}

		newState, followUp, err := e.handleOne(ctx, current)
		if err != nil {
			return "", err
		}

		lastState = newState

		if followUp != nil {
			queue = append(queue, followUp)
		}
	}

	return lastState, nil
}

//nolint:gocognit // the handle sequence is one linear protocol; splitting it obscures the order
func (e *Engine) handleOne(ctx context.Context, cmd *models.ActionCommand) (state string, followUp *models.ActionCommand, err error) {
	logger := e.logger.With("instance_id", cmd.InstanceID, "action", cmd.Action, "request_id", cmd.RequestID)

	var span trace.Span

	if e.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "engine.handle",
			attribute.String(otelhelper.InstanceIDKey, cmd.InstanceID),
			attribute.String(otelhelper.ActionKey, cmd.Action),
			attribute.String(otelhelper.ActorKey, string(cmd.Actor)),
			attribute.String(otelhelper.RequestIDKey, cmd.RequestID),
			attribute.String(otelhelper.WorkerIDKey, e.config.WorkerID),
		)

		defer func() {
			if err != nil {
				otelhelper.SetError(span, err)
			}

			span.End()
		}()
	}

	// Admission: the sole overload-shedding point. Replay engines run
	// offline against a sandbox and bypass it.
	if e.session == nil && e.admission != nil {
		release, err := e.admission.AcquireStepPermit(ctx)
		if err != nil {
			return "", nil, newError(KindOverloaded, cmd.InstanceID, cmd.Action, err)
		}

		defer release()
	}

	instance, err := e.store.InstanceByID(ctx, cmd.InstanceID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			return "", nil, newError(KindNotFound, cmd.InstanceID, cmd.Action, err)
		}

		return "", nil, fmt.Errorf("failed to load instance: %w", err)
	}

	if span != nil {
		span.SetAttributes(
			attribute.String(otelhelper.FlowVersionKey, instance.FlowVersion),
			attribute.String(otelhelper.StateKey, instance.CurrentState),
		)
	}

	// Idempotency first: a fully completed duplicate returns its recorded
	// result even when the instance has moved on or finished since.
	resume, completedState, err := e.checkDuplicate(ctx, cmd)
	if err != nil {
		return "", nil, err
	}

	if completedState != "" {
		logger.InfoContext(ctx, "Duplicate command, returning recorded result", "state", completedState)

		return completedState, nil, nil
	}

	if instance.Status.IsTerminal() {
		return "", nil, newError(KindTerminalState, cmd.InstanceID, cmd.Action,
			fmt.Errorf("instance status %s accepts no further commands", instance.Status))
	}

	transition, ok := e.table.Resolve(instance.FlowVersion, instance.CurrentState, cmd.Action)
	if !ok {
		return "", nil, newError(KindInvalidTransition, cmd.InstanceID, cmd.Action,
			fmt.Errorf("no transition for (%s, %s, %s)", instance.FlowVersion, instance.CurrentState, cmd.Action))
	}

	if !transition.AllowsActor(cmd.Actor) {
		return "", nil, newError(KindForbiddenActor, cmd.InstanceID, cmd.Action,
			fmt.Errorf("actor %s is not allowed to drive (%s, %s)", cmd.Actor, instance.CurrentState, cmd.Action))
	}

	if !resume {
		err = e.appendActionReceived(ctx, cmd)
		if err != nil {
			return "", nil, err
		}
	}

	err = e.runActivity(ctx, cmd, instance, transition)
	if err != nil {
		return "", nil, err
	}

	instance, err = e.persistTransition(ctx, cmd, instance, transition)
	if err != nil {
		return "", nil, err
	}

	err = e.appendStateTransition(ctx, cmd, transition)
	if err != nil {
		return "", nil, err
	}

	logger.InfoContext(ctx, "Transition applied",
		"from", transition.FromState, "to", transition.ToState, "version", instance.Version)

	followUp, err = e.followUp(ctx, cmd, instance)
	if err != nil {
		return "", nil, err
	}

	return instance.CurrentState, followUp, nil
}

// checkDuplicate looks up the command's request id in the event log. It
// returns the recorded resulting state for fully completed duplicates, or
// resume=true when the receipt exists but the transition never landed (a
// crashed attempt being retried). Completion is matched on the request id
// stamped into the transition payload, so a later command that happens to
// share the action can never answer for a crashed attempt.
func (e *Engine) checkDuplicate(ctx context.Context, cmd *models.ActionCommand) (bool, string, error) {
	received, err := e.store.ActionReceivedByRequestID(ctx, cmd.InstanceID, cmd.RequestID)
	if err != nil {
		if persistence.IsEventNotFound(err) {
			return false, "", nil
		}

		return false, "", fmt.Errorf("failed to check request id %s: %w", cmd.RequestID, err)
	}

	events, err := e.store.EventsByInstance(ctx, cmd.InstanceID)
	if err != nil {
		return false, "", fmt.Errorf("failed to load event history: %w", err)
	}

	for _, event := range events {
		if event.SequenceNumber <= received.SequenceNumber || event.EventType != models.EventStateTransition {
			continue
		}

		var payload models.StateTransitionPayload

		err := json.Unmarshal(event.Payload, &payload)
		if err != nil {
			return false, "", fmt.Errorf("failed to decode transition event at sequence %d: %w", event.SequenceNumber, err)
		}

		if payload.RequestID == cmd.RequestID {
			return false, payload.To, nil
		}
	}

	// Receipt without a completed transition: resume without re-appending.
	return true, "", nil
}

// createdBy attributes an event to its author. Human-driven events carry the
// actor; SYSTEM-authored ones carry the id of the worker that wrote them, so
// auto-chained and recovered hops are traceable to a process.
func (e *Engine) createdBy(actor models.Actor) string {
	if actor == models.ActorSystem && e.config.WorkerID != "" {
		return e.config.WorkerID
	}

	return string(actor)
}

func (e *Engine) appendActionReceived(ctx context.Context, cmd *models.ActionCommand) error {
	payload, err := json.Marshal(models.ActionReceivedPayload{
		Action:    cmd.Action,
		Actor:     cmd.Actor,
		RequestID: cmd.RequestID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal action received payload: %w", err)
	}

	event := &models.WorkflowEvent{
		InstanceID: cmd.InstanceID,
		EventType:  models.EventActionReceived,
		EventName:  cmd.Action,
		Payload:    payload,
		CreatedBy:  e.createdBy(cmd.Actor),
	}

	err = e.store.AppendEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to append action received event: %w", err)
	}

	return nil
}

// runActivity executes the action's bound activity, if any, bracketing it
// with step-execution tracking so abandoned work is discoverable.
func (e *Engine) runActivity(ctx context.Context, cmd *models.ActionCommand, instance *models.Instance, transition *models.Transition) error {
	activity, ok := e.executor.Registry().ActivityFor(cmd.Action)
	if !ok {
		// Pure state move, nothing external to do.
		return nil
	}

	step := &models.StepExecution{
		InstanceID: cmd.InstanceID,
		State:      transition.ToState,
		Status:     models.StepStatusRunning,
	}

	err := e.store.UpsertStepExecution(ctx, step)
	if err != nil {
		return fmt.Errorf("failed to mark step running: %w", err)
	}

	scope := e.executor.Scope(cmd.InstanceID, e.session)

	err = activity(ctx, scope, instance, cmd)
	if err != nil {
		return e.failActivity(ctx, cmd, instance, transition, err)
	}

	step.Status = models.StepStatusCompleted

	err = e.store.UpsertStepExecution(ctx, step)
	if err != nil {
		return fmt.Errorf("failed to mark step completed: %w", err)
	}

	return nil
}

// failActivity records the incident, marks the step failed, and either
// compensates the instance or leaves it FAILED and inspectable.
func (e *Engine) failActivity(ctx context.Context, cmd *models.ActionCommand, instance *models.Instance, transition *models.Transition, activityErr error) error {
	e.logger.ErrorContext(ctx, "Activity failed",
		"instance_id", cmd.InstanceID, "action", cmd.Action, "error", activityErr)

	step := &models.StepExecution{
		InstanceID: cmd.InstanceID,
		State:      transition.ToState,
		Status:     models.StepStatusFailed,
		LastError:  activityErr.Error(),
	}

	err := e.store.UpsertStepExecution(ctx, step)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark step failed", "error", err)
	}

	if errors.Is(activityErr, effects.ErrNonDeterminism) {
		return newError(KindNonDeterminism, cmd.InstanceID, cmd.Action, activityErr)
	}

	incident := &models.Incident{
		ID:         uuid.New().String(),
		InstanceID: cmd.InstanceID,
		State:      instance.CurrentState,
		Action:     cmd.Action,
		Reason:     activityErr.Error(),
	}

	err = e.store.RecordIncident(ctx, incident)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record incident", "error", err)
	}

	if e.compensator != nil && e.session == nil {
		compensatable, err := e.pathHasCompensations(ctx, cmd.InstanceID, instance.FlowVersion)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to inspect compensation path", "error", err)
		}

		if compensatable {
			err = e.compensator.Compensate(ctx, cmd.InstanceID, "activity failure: "+activityErr.Error())
			if err != nil {
				e.logger.ErrorContext(ctx, "Compensation failed", "error", err)
			}

			return newError(KindActivityFailed, cmd.InstanceID, cmd.Action, activityErr)
		}
	}

	e.markFailed(ctx, instance)

	return newError(KindActivityFailed, cmd.InstanceID, cmd.Action, activityErr)
}

// pathHasCompensations reports whether any applied transition in the
// instance's history defines a compensation action.
func (e *Engine) pathHasCompensations(ctx context.Context, instanceID, flowVersion string) (bool, error) {
	events, err := e.store.EventsByInstance(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to load event history: %w", err)
	}

	for _, event := range events {
		if event.EventType != models.EventStateTransition {
			continue
		}

		var payload models.StateTransitionPayload

		err := json.Unmarshal(event.Payload, &payload)
		if err != nil {
			continue
		}

		transition, ok := e.table.Resolve(flowVersion, payload.From, payload.Action)
		if ok && transition.CompensationAction != "" {
			return true, nil
		}
	}

	return false, nil
}

func (e *Engine) markFailed(ctx context.Context, instance *models.Instance) {
	failed := *instance
	failed.Status = models.InstanceStatusFailed
	failed.Version = instance.Version + 1

	err := e.store.UpdateInstance(ctx, &failed)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to mark instance failed",
			"instance_id", instance.ID, "error", err)
	}
}

// persistTransition applies the state move under optimistic concurrency,
// retrying a bounded number of times on version conflicts. Conflicts reload
// and re-validate against the fresh state; side effects are not re-executed,
// their results are already recorded.
func (e *Engine) persistTransition(ctx context.Context, cmd *models.ActionCommand, instance *models.Instance, transition *models.Transition) (*models.Instance, error) {
	for attempt := 0; attempt < e.config.MaxVersionRetries; attempt++ {
		mutated := *instance
		mutated.CurrentState = transition.ToState
		mutated.StateStartedAt = time.Now().UTC()
		mutated.Version = instance.Version + 1

		if transition.SetsStatus != "" {
			mutated.Status = transition.SetsStatus
		}

		err := e.store.UpdateInstance(ctx, &mutated)
		if err == nil {
			return &mutated, nil
		}

		if !persistence.IsVersionConflict(err) {
			return nil, fmt.Errorf("failed to persist transition: %w", err)
		}

		instance, err = e.store.InstanceByID(ctx, cmd.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload instance after version conflict: %w", err)
		}

		if instance.Status.IsTerminal() {
			return nil, newError(KindTerminalState, cmd.InstanceID, cmd.Action,
				fmt.Errorf("instance reached terminal status %s concurrently", instance.Status))
		}

		fresh, ok := e.table.Resolve(instance.FlowVersion, instance.CurrentState, cmd.Action)
		if !ok {
			return nil, newError(KindInvalidTransition, cmd.InstanceID, cmd.Action,
				fmt.Errorf("state moved to %s concurrently, action no longer valid", instance.CurrentState))
		}

		transition = fresh
	}

	return nil, newError(KindConcurrencyExhausted, cmd.InstanceID, cmd.Action,
		fmt.Errorf("gave up after %d optimistic-lock attempts", e.config.MaxVersionRetries))
}

func (e *Engine) appendStateTransition(ctx context.Context, cmd *models.ActionCommand, transition *models.Transition) error {
	payload, err := json.Marshal(models.StateTransitionPayload{
		From:      transition.FromState,
		To:        transition.ToState,
		Action:    cmd.Action,
		RequestID: cmd.RequestID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state transition payload: %w", err)
	}

	event := &models.WorkflowEvent{
		InstanceID: cmd.InstanceID,
		EventType:  models.EventStateTransition,
		EventName:  cmd.Action,
		Payload:    payload,
		CreatedBy:  e.createdBy(cmd.Actor),
	}

	err = e.store.AppendEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to append state transition event: %w", err)
	}

	return nil
}

// followUp synthesizes the automatic follow-up command for the state just
// entered. Async hops go to the dispatcher; synchronous ones return to the
// caller's work queue. Replay engines chain nothing: chained commands appear
// in the history as their own ACTION_RECEIVED events.
func (e *Engine) followUp(ctx context.Context, cmd *models.ActionCommand, instance *models.Instance) (*models.ActionCommand, error) {
	if e.session != nil || instance.Status.IsTerminal() {
		return nil, nil
	}

	action, ok := e.table.AutoAction(instance.FlowVersion, instance.CurrentState)
	if !ok {
		return nil, nil
	}

	next, ok := e.table.Resolve(instance.FlowVersion, instance.CurrentState, action)
	if !ok {
		e.logger.ErrorContext(ctx, "Auto action has no matching transition",
			"instance_id", instance.ID, "state", instance.CurrentState, "action", action)

		return nil, nil
	}

	followCmd := &models.ActionCommand{
		InstanceID: instance.ID,
		Action:     action,
		Actor:      models.ActorSystem,
		RequestID:  uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		ChainDepth: cmd.ChainDepth + 1,
	}

	if next.IsAsync && e.dispatcher != nil {
		err := e.dispatcher.Dispatch(ctx, followCmd)
		if err != nil {
			return nil, fmt.Errorf("failed to dispatch async follow-up %s: %w", action, err)
		}

		return nil, nil
	}

	return followCmd, nil
}
