// Package postgresql provides PostgreSQL persistence implementation for
// onboarding instances, workflow events and flow definitions.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	instanceRepo   *InstanceRepository
	eventRepo      *EventRepository
	stepRepo       *StepRepository
	transitionRepo *TransitionRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:             database,
		logger:         logger,
		instanceRepo:   NewInstanceRepository(database, logger),
		eventRepo:      NewEventRepository(database, logger),
		stepRepo:       NewStepRepository(database, logger),
		transitionRepo: NewTransitionRepository(database, logger),
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// CreateInstance stores a new onboarding instance.
func (p *Persistence) CreateInstance(ctx context.Context, instance *models.Instance) error {
	return p.instanceRepo.Create(ctx, instance)
}

// InstanceByID returns an instance by its ID.
func (p *Persistence) InstanceByID(ctx context.Context, id string) (*models.Instance, error) {
	return p.instanceRepo.GetByID(ctx, id)
}

// UpdateInstance persists an instance under optimistic concurrency.
func (p *Persistence) UpdateInstance(ctx context.Context, instance *models.Instance) error {
	return p.instanceRepo.Update(ctx, instance)
}

// ActiveInstancesInStates returns ACTIVE instances parked in the given states.
func (p *Persistence) ActiveInstancesInStates(ctx context.Context, flowVersion string, states []string, minAge time.Duration) ([]*models.Instance, error) {
	return p.instanceRepo.ActiveInStates(ctx, flowVersion, states, minAge)
}

// AppendEvent appends an event with atomic sequence allocation.
func (p *Persistence) AppendEvent(ctx context.Context, event *models.WorkflowEvent) error {
	return p.eventRepo.Append(ctx, event)
}

// EventsByInstance returns the full ordered event history of an instance.
func (p *Persistence) EventsByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error) {
	return p.eventRepo.ByInstance(ctx, instanceID)
}

// ActionReceivedByRequestID returns the ACTION_RECEIVED event for a request id.
func (p *Persistence) ActionReceivedByRequestID(ctx context.Context, instanceID, requestID string) (*models.WorkflowEvent, error) {
	return p.eventRepo.ActionReceivedByRequestID(ctx, instanceID, requestID)
}

// UpsertStepExecution records side-effect step progress.
func (p *Persistence) UpsertStepExecution(ctx context.Context, step *models.StepExecution) error {
	return p.stepRepo.Upsert(ctx, step)
}

// StuckStepExecutions returns steps stuck in RUNNING or PENDING past the threshold.
func (p *Persistence) StuckStepExecutions(ctx context.Context, threshold time.Duration) ([]*models.StepExecution, error) {
	return p.stepRepo.Stuck(ctx, threshold)
}

// TransitionsByFlowVersion returns the transition rows and auto actions for a flow version.
func (p *Persistence) TransitionsByFlowVersion(ctx context.Context, flowVersion string) ([]*models.Transition, map[string]string, error) {
	return p.transitionRepo.ByFlowVersion(ctx, flowVersion)
}

// RecordIncident stores an incident record.
func (p *Persistence) RecordIncident(ctx context.Context, incident *models.Incident) error {
	return p.stepRepo.RecordIncident(ctx, incident)
}
