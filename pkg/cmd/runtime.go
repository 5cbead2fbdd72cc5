package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/onwardhq/onward/pkg/backpressure"
	"github.com/onwardhq/onward/pkg/effects"
	"github.com/onwardhq/onward/pkg/engine"
	"github.com/onwardhq/onward/pkg/flow"
	"github.com/onwardhq/onward/pkg/onboarding"
	"github.com/onwardhq/onward/pkg/persistence"
	"github.com/onwardhq/onward/pkg/recovery"
	"github.com/onwardhq/onward/pkg/saga"
)

// RuntimeOptions configures the assembled workflow runtime.
type RuntimeOptions struct {
	// DatabaseURL selects the persistence backend.
	DatabaseURL string

	// FlowFiles are YAML flow definitions loaded into the transition table.
	FlowFiles []string

	// FlowVersions are loaded from the persistence layer instead of files.
	// Used when flows are provisioned in the database.
	FlowVersions []string

	// WorkerID tags events written by this process.
	WorkerID string

	Admission backpressure.Config
}

// Runtime bundles the constructed workflow components one binary needs.
type Runtime struct {
	Store       persistence.Persistence
	Table       *flow.Table
	Registry    *effects.Registry
	Executor    *effects.Executor
	Admission   *backpressure.Controller
	Engine      *engine.Engine
	Replayer    *engine.Replayer
	Compensator *saga.Compensator
	Service     *onboarding.Service
}

// NewRuntime assembles persistence, the transition table, the onboarding
// activities and the engine with its compensator and replayer.
func NewRuntime(ctx context.Context, logger *slog.Logger, opts RuntimeOptions) (*Runtime, error) {
	store, err := NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	table := flow.NewTable()

	if len(opts.FlowFiles) > 0 {
		source, err := flow.NewFileSource(opts.FlowFiles...)
		if err != nil {
			return nil, err
		}

		for _, path := range opts.FlowFiles {
			definition, err := flow.LoadDefinitionFile(path)
			if err != nil {
				return nil, err
			}

			err = table.Load(ctx, source, definition.Version)
			if err != nil {
				return nil, err
			}

			table.SetInitialState(definition.Version, definition.InitialState)
		}
	}

	for _, version := range opts.FlowVersions {
		err = table.Load(ctx, store, version)
		if err != nil {
			return nil, err
		}
	}

	registry := effects.NewRegistry()

	activities := onboarding.NewActivities(logger)

	err = activities.Register(registry)
	if err != nil {
		return nil, err
	}

	executor := effects.NewExecutor(store, registry, logger)
	admission := backpressure.NewController(opts.Admission)

	engineConfig := engine.DefaultConfig()
	engineConfig.WorkerID = opts.WorkerID

	eng := engine.NewEngine(store, table, executor, admission, logger, engineConfig)

	compensator := saga.NewCompensator(store, table, executor, logger)
	eng.SetCompensator(compensator)

	replayer := engine.NewReplayer(store, table, registry, logger, engineConfig)

	service := onboarding.NewService(eng, replayer, compensator, admission, logger)

	return &Runtime{
		Store:       store,
		Table:       table,
		Registry:    registry,
		Executor:    executor,
		Admission:   admission,
		Engine:      eng,
		Replayer:    replayer,
		Compensator: compensator,
		Service:     service,
	}, nil
}

// NewRecoveryLocker creates the cross-process scan lock. An empty Redis URL
// yields the in-process no-op locker.
func NewRecoveryLocker(redisURL string) (recovery.Locker, error) {
	if redisURL == "" {
		return recovery.NoopLocker{}, nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return recovery.NewRedisLocker(redis.NewClient(options), "onward:"), nil
}
