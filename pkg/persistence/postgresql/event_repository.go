package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

// appendRetries bounds the sequence-allocation race retry. Concurrent
// appenders for the same instance collide on the (instance_id,
// sequence_number) unique constraint and re-read the max.
const appendRetries = 5

// EventRepository handles the append-only workflow event log.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

// Append writes the event with the next sequence number for its instance.
// The sequence is allocated inside the insert itself; the primary key on
// (instance_id, sequence_number) turns lost races into a retryable conflict,
// which keeps numbering strictly increasing and gapless.
func (r *EventRepository) Append(ctx context.Context, event *models.WorkflowEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO workflow_events (instance_id, sequence_number, event_type, event_name, payload, created_by, created_at)
		SELECT $1, COALESCE(MAX(sequence_number), 0) + 1, $2, $3, $4, $5, $6
		FROM workflow_events
		WHERE instance_id = $1
		RETURNING sequence_number
	`

	var lastErr error

	for attempt := 0; attempt < appendRetries; attempt++ {
		err := r.db.QueryRowContext(ctx, query,
			event.InstanceID,
			event.EventType,
			event.EventName,
			nullableBytes(event.Payload),
			event.CreatedBy,
			event.CreatedAt,
		).Scan(&event.SequenceNumber)
		if err == nil {
			return nil
		}

		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to append event: %w", err)
		}

		lastErr = err
	}

	return &persistence.EventError{
		Op:         "Append",
		InstanceID: event.InstanceID,
		Err:        fmt.Errorf("%w: %v", persistence.ErrSequenceConflict, lastErr),
	}
}

// ByInstance returns the full event history ordered by sequence number.
func (r *EventRepository) ByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowEvent, error) {
	query := `
		SELECT
			instance_id
		  , sequence_number
		  , event_type
		  , event_name
		  , payload
		  , created_by
		  , created_at
		FROM workflow_events
		WHERE instance_id = $1
		ORDER BY sequence_number ASC
	`

	rows, err := r.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow events: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	events := make([]*models.WorkflowEvent, 0)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		events = append(events, event)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ActionReceivedByRequestID returns the ACTION_RECEIVED event recorded for a
// request id, used for idempotent command handling.
func (r *EventRepository) ActionReceivedByRequestID(ctx context.Context, instanceID, requestID string) (*models.WorkflowEvent, error) {
	query := `
		SELECT
			instance_id
		  , sequence_number
		  , event_type
		  , event_name
		  , payload
		  , created_by
		  , created_at
		FROM workflow_events
		WHERE instance_id = $1
		  AND event_type = $2
		  AND payload->>'request_id' = $3
		ORDER BY sequence_number ASC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query, instanceID, models.EventActionReceived, requestID)

	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &persistence.EventError{Op: "ActionReceivedByRequestID", InstanceID: instanceID, Err: persistence.ErrEventNotFound}
		}

		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	return event, nil
}

func scanEvent(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowEvent, error) {
	var (
		event   models.WorkflowEvent
		payload []byte
	)

	err := scanner.Scan(
		&event.InstanceID,
		&event.SequenceNumber,
		&event.EventType,
		&event.EventName,
		&payload,
		&event.CreatedBy,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Payload = payload

	return &event, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return b
}
