package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

// InstanceRepository handles instance-related database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

// Create stores a new instance row.
func (r *InstanceRepository) Create(ctx context.Context, instance *models.Instance) error {
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

	query := `
		INSERT INTO instances (id, user_id, flow_version, current_state, status,
			version, correlation_id, state_started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.ExecContext(ctx, query,
		instance.ID,
		instance.UserID,
		instance.FlowVersion,
		instance.CurrentState,
		instance.Status,
		instance.Version,
		nullableString(instance.CorrelationID),
		instance.StateStartedAt,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewInstanceError("Create", instance.ID, persistence.ErrInstanceAlreadyExists)
		}

		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

// GetByID returns an instance by its ID.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.Instance, error) {
	query := `
		SELECT
			id
		  , user_id
		  , flow_version
		  , current_state
		  , status
		  , version
		  , correlation_id
		  , state_started_at
		  , created_at
		  , updated_at
		FROM instances
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("GetByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

// Update persists the instance only when the stored version matches the
// previous one. The engine increments instance.Version before calling this,
// so the guard compares against Version-1.
func (r *InstanceRepository) Update(ctx context.Context, instance *models.Instance) error {
	instance.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE instances SET
			current_state = $1,
			status = $2,
			version = $3,
			state_started_at = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7
	`

	result, err := r.db.ExecContext(ctx, query,
		instance.CurrentState,
		instance.Status,
		instance.Version,
		instance.StateStartedAt,
		instance.UpdatedAt,
		instance.ID,
		instance.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewInstanceError("Update", instance.ID, persistence.ErrVersionConflict)
	}

	return nil
}

// ActiveInStates returns ACTIVE instances sitting in any of the given states
// for at least minAge.
func (r *InstanceRepository) ActiveInStates(ctx context.Context, flowVersion string, states []string, minAge time.Duration) ([]*models.Instance, error) {
	if len(states) == 0 {
		return nil, nil
	}

	query := `
		SELECT
			id
		  , user_id
		  , flow_version
		  , current_state
		  , status
		  , version
		  , correlation_id
		  , state_started_at
		  , created_at
		  , updated_at
		FROM instances
		WHERE status = $1
		  AND flow_version = $2
		  AND current_state = ANY($3)
		  AND state_started_at <= $4
		ORDER BY state_started_at ASC
	`

	cutoff := time.Now().UTC().Add(-minAge)

	rows, err := r.db.QueryContext(ctx, query, models.InstanceStatusActive, flowVersion, pq.Array(states), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query active instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instances := make([]*models.Instance, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

func scanInstance(scanner interface {
	Scan(dest ...any) error
}) (*models.Instance, error) {
	var (
		instance      models.Instance
		correlationID sql.NullString
	)

	err := scanner.Scan(
		&instance.ID,
		&instance.UserID,
		&instance.FlowVersion,
		&instance.CurrentState,
		&instance.Status,
		&instance.Version,
		&correlationID,
		&instance.StateStartedAt,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.CorrelationID = correlationID.String

	return &instance, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}
