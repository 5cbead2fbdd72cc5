// Package main provides the Onward worker: it consumes dispatched commands
// from the bus and executes them through the engine.
package main

import (
	"context"
	"log/slog"

	"github.com/onwardhq/onward/pkg/commandbus"
	"github.com/onwardhq/onward/pkg/engine"
	"github.com/onwardhq/onward/pkg/models"
)

type Worker struct {
	id     string
	bus    commandbus.Bus
	engine *engine.Engine
	logger *slog.Logger
}

func NewWorker(id string, bus commandbus.Bus, eng *engine.Engine, logger *slog.Logger) *Worker {
	return &Worker{
		id:     id,
		bus:    bus,
		engine: eng,
		logger: logger,
	}
}

// Start consumes commands until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	err := w.bus.Subscribe(ctx, func(ctx context.Context, cmd *models.ActionCommand) error {
		state, err := w.engine.Handle(ctx, cmd)
		if err != nil {
			return err
		}

		w.logger.InfoContext(ctx, "Handled dispatched command",
			"instance_id", cmd.InstanceID, "action", cmd.Action, "state", state)

		return nil
	})
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started, consuming commands")

	<-ctx.Done()

	return ctx.Err()
}
