// Package effects is the deterministic replay boundary: every
// non-deterministic or externally observable call a workflow makes goes
// through the Executor, which records results live and serves them back from
// history during replay.
package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/persistence"
)

// RetryPolicy bounds the per-activity retry loop around a producer call.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
}

// DefaultRetryPolicy is applied to effects without a specific policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	InitialInterval: 200 * time.Millisecond,
}

// Executor wraps producer calls with retry, serialization and event
// recording. In replay mode (session != nil) producers are never invoked;
// their recorded results are served instead.
type Executor struct {
	store    persistence.Persistence
	registry *Registry
	logger   *slog.Logger
	policies map[string]RetryPolicy
}

// NewExecutor creates a side-effect executor.
func NewExecutor(store persistence.Persistence, registry *Registry, logger *slog.Logger) *Executor {
	return &Executor{
		store:    store,
		registry: registry,
		logger:   logger.With("module", "effects"),
		policies: make(map[string]RetryPolicy),
	}
}

// SetRetryPolicy overrides the retry policy for one side-effect name.
func (e *Executor) SetRetryPolicy(name string, policy RetryPolicy) {
	e.policies[name] = policy
}

// Registry returns the activity registry backing this executor.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Do executes the named side effect. Live mode invokes the producer (with
// the per-activity retry policy), serializes the result and appends a
// SIDE_EFFECT event. Replay mode consumes the next recorded result in strict
// sequence and never invokes the producer.
func (e *Executor) Do(ctx context.Context, session *ReplaySession, instanceID, name string, producer Producer) (json.RawMessage, error) {
	if !e.registry.KnownEffect(name) {
		return nil, fmt.Errorf("side effect %q was not declared at registration", name)
	}

	if session != nil {
		return session.Next(name)
	}

	result, err := e.invoke(ctx, name, producer)
	if err != nil {
		return nil, err
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result of side effect %q: %w", name, err)
	}

	payload, err := json.Marshal(models.SideEffectPayload{Name: name, Result: serialized})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal side effect payload: %w", err)
	}

	event := &models.WorkflowEvent{
		InstanceID: instanceID,
		EventType:  models.EventSideEffect,
		EventName:  name,
		Payload:    payload,
		CreatedBy:  string(models.ActorSystem),
	}

	err = e.store.AppendEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to record side effect %q: %w", name, err)
	}

	e.logger.DebugContext(ctx, "Recorded side effect",
		"instance_id", instanceID, "name", name, "sequence", event.SequenceNumber)

	return serialized, nil
}

// invoke runs the producer under the effect's retry policy.
func (e *Executor) invoke(ctx context.Context, name string, producer Producer) (any, error) {
	policy, ok := e.policies[name]
	if !ok {
		policy = DefaultRetryPolicy
	}

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialInterval

	var result any

	operation := func() error {
		var err error

		result, err = producer(ctx)

		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(exponential, policy.MaxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("side effect %q failed after retries: %w", name, err)
	}

	return result, nil
}

// Decode unmarshals a recorded side-effect result into out.
func Decode(raw json.RawMessage, out any) error {
	err := json.Unmarshal(raw, out)
	if err != nil {
		return fmt.Errorf("failed to decode side effect result: %w", err)
	}

	return nil
}
