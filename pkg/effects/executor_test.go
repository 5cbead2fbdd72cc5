package effects_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onwardhq/onward/pkg/effects"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence/memory"
)

func newTestExecutor(t *testing.T) (*effects.Executor, *memory.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := memory.NewPersistence()
	registry := effects.NewRegistry()

	noop := func(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
		return nil
	}

	require.NoError(t, registry.Register("GO", noop, "charge", "notify"))

	return effects.NewExecutor(store, registry, logger), store
}

func TestExecutorRecordsLiveResults(t *testing.T) {
	ctx := context.Background()
	executor, store := newTestExecutor(t)

	calls := 0

	raw, err := executor.Do(ctx, nil, "inst-1", "charge", func(ctx context.Context) (any, error) {
		calls++

		return map[string]string{"charge_id": "ch-1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	var result map[string]string

	require.NoError(t, effects.Decode(raw, &result))
	assert.Equal(t, "ch-1", result["charge_id"])

	events, err := store.EventsByInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventSideEffect, events[0].EventType)
	assert.Equal(t, "charge", events[0].EventName)
}

func TestExecutorRejectsUndeclaredEffect(t *testing.T) {
	ctx := context.Background()
	executor, _ := newTestExecutor(t)

	_, err := executor.Do(ctx, nil, "inst-1", "refund", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not declared")
}

func TestExecutorRetriesProducer(t *testing.T) {
	ctx := context.Background()
	executor, _ := newTestExecutor(t)

	executor.SetRetryPolicy("charge", effects.RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
	})

	calls := 0

	_, err := executor.Do(ctx, nil, "inst-1", "charge", func(ctx context.Context) (any, error) {
		calls++

		if calls < 3 {
			return nil, errors.New("provider flaking")
		}

		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	executor, store := newTestExecutor(t)

	executor.SetRetryPolicy("charge", effects.RetryPolicy{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
	})

	_, err := executor.Do(ctx, nil, "inst-1", "charge", func(ctx context.Context) (any, error) {
		return nil, errors.New("provider down")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after retries")

	// A failed effect must not be recorded.
	events, err := store.EventsByInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplaySessionServesRecordedResults(t *testing.T) {
	ctx := context.Background()
	executor, store := newTestExecutor(t)

	_, err := executor.Do(ctx, nil, "inst-1", "charge", func(ctx context.Context) (any, error) {
		return map[string]string{"charge_id": "ch-1"}, nil
	})
	require.NoError(t, err)

	_, err = executor.Do(ctx, nil, "inst-1", "notify", func(ctx context.Context) (any, error) {
		return map[string]string{"message_id": "msg-1"}, nil
	})
	require.NoError(t, err)

	history, err := store.EventsByInstance(ctx, "inst-1")
	require.NoError(t, err)

	session := effects.NewReplaySession("inst-1", history)
	assert.Equal(t, 2, session.Remaining())

	raw, err := executor.Do(ctx, session, "inst-1", "charge", func(ctx context.Context) (any, error) {
		t.Fatal("producer must not run during replay")

		return nil, nil
	})
	require.NoError(t, err)

	var result map[string]string

	require.NoError(t, effects.Decode(raw, &result))
	assert.Equal(t, "ch-1", result["charge_id"])
	assert.Equal(t, 1, session.Remaining())
}

func TestReplaySessionRejectsOutOfOrderEffect(t *testing.T) {
	ctx := context.Background()
	executor, store := newTestExecutor(t)

	_, err := executor.Do(ctx, nil, "inst-1", "charge", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	history, err := store.EventsByInstance(ctx, "inst-1")
	require.NoError(t, err)

	session := effects.NewReplaySession("inst-1", history)

	_, err = executor.Do(ctx, session, "inst-1", "notify", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, effects.ErrNonDeterminism)
}

func TestReplaySessionRejectsExhaustedHistory(t *testing.T) {
	ctx := context.Background()
	executor, _ := newTestExecutor(t)

	session := effects.NewReplaySession("inst-1", nil)

	_, err := executor.Do(ctx, session, "inst-1", "charge", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, effects.ErrNonDeterminism)
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	registry := effects.NewRegistry()

	noop := func(ctx context.Context, scope *effects.Scope, instance *models.Instance, cmd *models.ActionCommand) error {
		return nil
	}

	require.NoError(t, registry.Register("GO", noop))
	require.Error(t, registry.Register("GO", noop))
}

func TestScopeBindsInstanceAndSession(t *testing.T) {
	ctx := context.Background()
	executor, store := newTestExecutor(t)

	scope := executor.Scope("inst-7", nil)
	assert.False(t, scope.Replaying())

	_, err := scope.Do(ctx, "charge", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	events, err := store.EventsByInstance(ctx, "inst-7")
	require.NoError(t, err)
	require.Len(t, events, 1)

	replayScope := executor.Scope("inst-7", effects.NewReplaySession("inst-7", events))
	assert.True(t, replayScope.Replaying())
}
