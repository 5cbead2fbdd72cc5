// Package onboarding exposes the customer onboarding operations built on top
// of the workflow engine: starting runs, driving them with actions,
// compensating failures and auditing histories.
package onboarding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/onwardhq/onward/pkg/backpressure"
	"github.com/onwardhq/onward/pkg/engine"
	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

// StartRequest asks for a new onboarding run.
type StartRequest struct {
	UserID        string `json:"user_id"        validate:"required"`
	FlowVersion   string `json:"flow_version"   validate:"required"`
	RequestID     string `json:"request_id"     validate:"required"`
	CorrelationID string `json:"correlation_id"`
}

// ActionRequest asks to advance an existing run by one action.
type ActionRequest struct {
	InstanceID string `json:"instance_id" validate:"required"`
	Action     string `json:"action"      validate:"required"`
	Actor      string `json:"actor"       validate:"required"`
	RequestID  string `json:"request_id"  validate:"required"`
}

// ActionResult reports where an action landed the instance.
type ActionResult struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
}

// Service is the application-facing entry point for onboarding operations.
type Service struct {
	store       persistence.Persistence
	table       *flow.Table
	engine      *engine.Engine
	replayer    *engine.Replayer
	compensator engine.Compensator
	admission   *backpressure.Controller
	validator   *validator.Validate
	logger      *slog.Logger
}

// NewService wires the onboarding service over an engine and its replayer.
func NewService(
	eng *engine.Engine,
	replayer *engine.Replayer,
	compensator engine.Compensator,
	admission *backpressure.Controller,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:       eng.Store(),
		table:       eng.Table(),
		engine:      eng,
		replayer:    replayer,
		compensator: compensator,
		admission:   admission,
		validator:   validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "onboarding"),
	}
}

// Start creates a new instance at the flow's initial state and runs any
// automatic action defined there. Creation counts against the workflow
// admission pool; a saturated pool rejects the start instead of queueing it.
func (s *Service) Start(ctx context.Context, req *StartRequest) (*models.Instance, error) {
	err := s.validator.Struct(req)
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindInvalidCommand, Err: err}
	}

	if s.admission != nil {
		release, err := s.admission.AcquireWorkflowPermit(ctx)
		if err != nil {
			return nil, &engine.Error{Kind: engine.KindOverloaded, Err: err}
		}

		defer release()
	}

	initialState, ok := s.table.InitialState(req.FlowVersion)
	if !ok {
		return nil, fmt.Errorf("unknown flow version %s", req.FlowVersion)
	}

	instance := &models.Instance{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		FlowVersion:   req.FlowVersion,
		CurrentState:  initialState,
		Status:        models.InstanceStatusActive,
		Version:       1,
		CorrelationID: req.CorrelationID,
	}

	err = s.store.CreateInstance(ctx, instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	s.logger.InfoContext(ctx, "Started onboarding instance",
		"instance_id", instance.ID, "user_id", req.UserID, "flow_version", req.FlowVersion)

	action, ok := s.table.AutoAction(req.FlowVersion, initialState)
	if ok {
		cmd := &models.ActionCommand{
			InstanceID: instance.ID,
			Action:     action,
			Actor:      models.ActorSystem,
			RequestID:  "start-" + req.RequestID,
			OccurredAt: time.Now().UTC(),
		}

		_, err = s.engine.Handle(ctx, cmd)
		if err != nil {
			return nil, err
		}

		return s.Instance(ctx, instance.ID)
	}

	return instance, nil
}

// HandleAction drives one action through the engine.
func (s *Service) HandleAction(ctx context.Context, req *ActionRequest) (*ActionResult, error) {
	err := s.validator.Struct(req)
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindInvalidCommand, InstanceID: req.InstanceID, Err: err}
	}

	actor, err := models.ParseActor(req.Actor)
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindInvalidCommand, InstanceID: req.InstanceID, Err: err}
	}

	cmd := &models.ActionCommand{
		InstanceID: req.InstanceID,
		Action:     req.Action,
		Actor:      actor,
		RequestID:  req.RequestID,
		OccurredAt: time.Now().UTC(),
	}

	state, err := s.engine.Handle(ctx, cmd)
	if err != nil {
		return nil, err
	}

	return &ActionResult{InstanceID: req.InstanceID, State: state}, nil
}

// Instance returns the current persisted view of one run.
func (s *Service) Instance(ctx context.Context, instanceID string) (*models.Instance, error) {
	instance, err := s.store.InstanceByID(ctx, instanceID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			return nil, &engine.Error{Kind: engine.KindNotFound, InstanceID: instanceID, Err: err}
		}

		return nil, fmt.Errorf("failed to load instance: %w", err)
	}

	return instance, nil
}

// Events returns the run's full ordered event history.
func (s *Service) Events(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error) {
	_, err := s.Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	events, err := s.store.EventsByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event history: %w", err)
	}

	return events, nil
}

// Compensate rolls a run back through the saga compensator.
func (s *Service) Compensate(ctx context.Context, instanceID, reason string) error {
	_, err := s.Instance(ctx, instanceID)
	if err != nil {
		return err
	}

	return s.compensator.Compensate(ctx, instanceID, reason)
}

// Replay reconstructs a run from its event log and reports consistency.
func (s *Service) Replay(ctx context.Context, instanceID string) (*engine.ReplayResult, error) {
	return s.replayer.Replay(ctx, instanceID)
}

// AdmissionStats exposes the admission pool counters for the health surface.
func (s *Service) AdmissionStats() []backpressure.PoolStats {
	if s.admission == nil {
		return nil
	}

	return s.admission.Stats()
}

// Healthy reports persistence reachability and admission headroom.
func (s *Service) Healthy(ctx context.Context) error {
	err := s.store.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("persistence unhealthy: %w", err)
	}

	if s.admission != nil && !s.admission.Healthy(backpressure.DefaultHealthyThreshold) {
		return fmt.Errorf("admission pools saturated")
	}

	return nil
}
