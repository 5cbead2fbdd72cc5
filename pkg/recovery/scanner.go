// Package recovery scans for instances abandoned mid-workflow after a crash
// and nudges them forward. Only states with an automatic follow-up action are
// touched; instances parked waiting for an external callback are left alone.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

const scanLockKey = "recovery-scan"

// Handler executes recovery commands. Satisfied by the engine.
type Handler interface {
	Handle(ctx context.Context, cmd *models.ActionCommand) (string, error)
}

// Config tunes the scanner's cadence and thresholds.
type Config struct {
	// SettleDelay is how long the scanner waits after startup before its
	// first pass, giving in-flight work from a restart time to finish.
	SettleDelay time.Duration

	// ScanInterval is the period between passes.
	ScanInterval time.Duration

	// MinAge is how long an instance must sit in an auto-continuable state
	// before it counts as abandoned.
	MinAge time.Duration

	// StuckThreshold is how long a step may stay RUNNING or PENDING before
	// it is marked failed.
	StuckThreshold time.Duration

	// LockTTL bounds how long one scanner holds the cross-process scan lock.
	LockTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SettleDelay:    30 * time.Second,
		ScanInterval:   time.Minute,
		MinAge:         5 * time.Minute,
		StuckThreshold: 10 * time.Minute,
		LockTTL:        time.Minute,
	}
}

// Scanner periodically sweeps the instance table for abandoned work.
type Scanner struct {
	store   persistence.Persistence
	table   *flow.Table
	handler Handler
	locker  Locker
	logger  *slog.Logger
	config  Config
	cron    *cron.Cron
}

// NewScanner creates a recovery scanner.
func NewScanner(store persistence.Persistence, table *flow.Table, handler Handler, locker Locker, logger *slog.Logger, config Config) *Scanner {
	if locker == nil {
		locker = NoopLocker{}
	}

	return &Scanner{
		store:   store,
		table:   table,
		handler: handler,
		locker:  locker,
		logger:  logger.With("module", "recovery"),
		config:  config,
	}
}

// Start waits out the settle delay, runs a first pass, then scans on the
// configured interval until the context is cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting recovery scanner",
		"settle_delay", s.config.SettleDelay, "scan_interval", s.config.ScanInterval)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.config.SettleDelay):
	}

	s.Scan(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := s.cron.AddFunc("@every "+s.config.ScanInterval.String(), func() {
		s.Scan(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule recovery scan: %w", err)
	}

	s.cron.Start()

	<-ctx.Done()

	return ctx.Err()
}

// Stop halts the scan schedule and waits for a running pass to finish.
func (s *Scanner) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Scan runs one pass: abandoned auto-continuable instances are nudged and
// stuck step executions are failed. The pass is skipped when another scanner
// holds the cross-process lock.
func (s *Scanner) Scan(ctx context.Context) {
	release, acquired, err := s.locker.TryLock(ctx, scanLockKey, s.config.LockTTL)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to acquire scan lock", "error", err)

		return
	}

	if !acquired {
		s.logger.DebugContext(ctx, "Scan lock held elsewhere, skipping pass")

		return
	}

	defer func() {
		err := release(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Failed to release scan lock", "error", err)
		}
	}()

	for _, flowVersion := range s.table.FlowVersions() {
		s.scanFlowVersion(ctx, flowVersion)
	}

	s.failStuckSteps(ctx)
}

func (s *Scanner) scanFlowVersion(ctx context.Context, flowVersion string) {
	states := s.table.AutoContinuableStates(flowVersion)
	if len(states) == 0 {
		return
	}

	instances, err := s.store.ActiveInstancesInStates(ctx, flowVersion, states, s.config.MinAge)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list abandoned instances",
			"flow_version", flowVersion, "error", err)

		return
	}

	for _, instance := range instances {
		s.nudge(ctx, instance)
	}
}

// nudge re-issues the state's automatic action as a SYSTEM command. The
// request id is derived from the instance's position, so a nudge that already
// went through on a previous pass deduplicates against the event log instead
// of applying twice.
func (s *Scanner) nudge(ctx context.Context, instance *models.Instance) {
	action, ok := s.table.AutoAction(instance.FlowVersion, instance.CurrentState)
	if !ok {
		return
	}

	requestID := fmt.Sprintf("recovery-%s-%s-%d", instance.ID, instance.CurrentState, instance.Version)

	logger := s.logger.With("instance_id", instance.ID, "state", instance.CurrentState, "action", action)

	err := s.appendRecoveryEvent(ctx, instance.ID, models.RecoveryPayload{
		Kind:      "auto_continue",
		State:     instance.CurrentState,
		Action:    action,
		RequestID: requestID,
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to append recovery event", "error", err)

		return
	}

	cmd := &models.ActionCommand{
		InstanceID: instance.ID,
		Action:     action,
		Actor:      models.ActorSystem,
		RequestID:  requestID,
		OccurredAt: time.Now().UTC(),
	}

	state, err := s.handler.Handle(ctx, cmd)
	if err != nil {
		logger.ErrorContext(ctx, "Recovery nudge failed", "error", err)

		return
	}

	logger.InfoContext(ctx, "Recovered abandoned instance", "new_state", state)
}

// failStuckSteps marks steps stuck past the threshold as failed so they show
// up in incident review instead of looking forever in-flight.
func (s *Scanner) failStuckSteps(ctx context.Context) {
	stuck, err := s.store.StuckStepExecutions(ctx, s.config.StuckThreshold)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list stuck steps", "error", err)

		return
	}

	for _, step := range stuck {
		logger := s.logger.With("instance_id", step.InstanceID, "state", step.State)

		failed := *step
		failed.Status = models.StepStatusFailed
		failed.LastError = models.StuckStepTag + ": no progress since " + step.UpdatedAt.UTC().Format(time.RFC3339)

		err := s.store.UpsertStepExecution(ctx, &failed)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to mark step stuck", "error", err)

			continue
		}

		err = s.appendRecoveryEvent(ctx, step.InstanceID, models.RecoveryPayload{
			Kind:   "stuck_step",
			State:  step.State,
			Detail: failed.LastError,
		})
		if err != nil {
			logger.ErrorContext(ctx, "Failed to append stuck step event", "error", err)

			continue
		}

		logger.WarnContext(ctx, "Marked stuck step failed", "since", step.UpdatedAt)
	}
}

func (s *Scanner) appendRecoveryEvent(ctx context.Context, instanceID string, payload models.RecoveryPayload) error {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery payload: %w", err)
	}

	event := &models.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  models.EventRecovery,
		EventName:  payload.Kind,
		Payload:    serialized,
		CreatedBy:  string(models.ActorSystem),
	}

	err = s.store.AppendEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to append recovery event: %w", err)
	}

	return nil
}
