package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onwardhq/onward/pkg/models"
)

// StepRepository handles step execution tracking and incident records.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepRepository creates a new step repository.
func NewStepRepository(db *sql.DB, logger *slog.Logger) *StepRepository {
	return &StepRepository{db: db, logger: logger}
}

// Upsert records the current status of a side-effect step.
func (r *StepRepository) Upsert(ctx context.Context, step *models.StepExecution) error {
	step.UpdatedAt = time.Now().UTC()

	query := `
		INSERT INTO step_executions (instance_id, state, status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id, state) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		step.InstanceID,
		step.State,
		step.Status,
		nullableString(step.LastError),
		step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step execution: %w", err)
	}

	return nil
}

// Stuck returns step executions sitting in RUNNING or PENDING longer than the
// threshold.
func (r *StepRepository) Stuck(ctx context.Context, threshold time.Duration) ([]*models.StepExecution, error) {
	query := `
		SELECT
			instance_id
		  , state
		  , status
		  , last_error
		  , updated_at
		FROM step_executions
		WHERE status IN ($1, $2)
		  AND updated_at <= $3
		ORDER BY updated_at ASC
	`

	cutoff := time.Now().UTC().Add(-threshold)

	rows, err := r.db.QueryContext(ctx, query, models.StepStatusRunning, models.StepStatusPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck step executions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	steps := make([]*models.StepExecution, 0)

	for rows.Next() {
		var (
			step      models.StepExecution
			lastError sql.NullString
		)

		err := rows.Scan(
			&step.InstanceID,
			&step.State,
			&step.Status,
			&lastError,
			&step.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}

		step.LastError = lastError.String

		steps = append(steps, &step)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating step executions: %w", err)
	}

	return steps, nil
}

// RecordIncident stores an incident record.
func (r *StepRepository) RecordIncident(ctx context.Context, incident *models.Incident) error {
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO incidents (id, instance_id, state, action, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		incident.ID,
		incident.InstanceID,
		incident.State,
		incident.Action,
		incident.Reason,
		incident.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}

	return nil
}
