package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

// TransitionRepository reads the externally configured transition definitions.
// Rows are written by operators or deployment tooling, never by the engine.
type TransitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTransitionRepository creates a new transition repository.
func NewTransitionRepository(db *sql.DB, logger *slog.Logger) *TransitionRepository {
	return &TransitionRepository{db: db, logger: logger}
}

// ByFlowVersion returns all transition rows for a flow version plus the
// per-state automatic follow-up actions.
func (r *TransitionRepository) ByFlowVersion(ctx context.Context, flowVersion string) ([]*models.Transition, map[string]string, error) {
	query := `
		SELECT
			flow_version
		  , from_state
		  , action
		  , to_state
		  , allowed_actors
		  , is_async
		  , compensation_action
		  , sets_status
		FROM flow_transitions
		WHERE flow_version = $1
		ORDER BY from_state, action
	`

	rows, err := r.db.QueryContext(ctx, query, flowVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query flow transitions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	transitions := make([]*models.Transition, 0)

	for rows.Next() {
		var (
			transition   models.Transition
			actorsJSON   []byte
			compensation sql.NullString
			setsStatus   sql.NullString
		)

		err := rows.Scan(
			&transition.FlowVersion,
			&transition.FromState,
			&transition.Action,
			&transition.ToState,
			&actorsJSON,
			&transition.IsAsync,
			&compensation,
			&setsStatus,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan transition: %w", err)
		}

		err = json.Unmarshal(actorsJSON, &transition.AllowedActors)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to unmarshal allowed actors: %w", err)
		}

		transition.CompensationAction = compensation.String
		transition.SetsStatus = models.InstanceStatus(setsStatus.String)

		transitions = append(transitions, &transition)
	}

	err = rows.Err()
	if err != nil {
		return nil, nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	if len(transitions) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", persistence.ErrFlowVersionNotFound, flowVersion)
	}

	autoActions, err := r.autoActions(ctx, flowVersion)
	if err != nil {
		return nil, nil, err
	}

	return transitions, autoActions, nil
}

func (r *TransitionRepository) autoActions(ctx context.Context, flowVersion string) (map[string]string, error) {
	query := `
		SELECT state, action
		FROM flow_auto_actions
		WHERE flow_version = $1
	`

	rows, err := r.db.QueryContext(ctx, query, flowVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow auto actions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	autoActions := make(map[string]string)

	for rows.Next() {
		var state, action string

		err := rows.Scan(&state, &action)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auto action: %w", err)
		}

		autoActions[state] = action
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating auto actions: %w", err)
	}

	return autoActions, nil
}
