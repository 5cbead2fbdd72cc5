package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/onwardhq/onward/pkg/backpressure"
	"github.com/onwardhq/onward/pkg/cmd"
	"github.com/onwardhq/onward/pkg/log"
	"github.com/onwardhq/onward/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "onward-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute dispatched workflow commands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringSliceFlag{
				Name:     "flow-file",
				Usage:    "YAML flow definition files to load",
				Required: true,
				Sources:  cli.EnvVars("FLOW_FILES"),
			},
			&cli.StringFlag{
				Name:     "command-bus",
				Usage:    "Command bus provider (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("COMMAND_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka broker list",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("onward-worker").With("workerId", workerID)

			logger.InfoContext(ctx, "Initializing Onward Worker")

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeOptions{
				DatabaseURL: command.String("database-url"),
				FlowFiles:   command.StringSlice("flow-file"),
				WorkerID:    workerID,
				Admission:   backpressure.DefaultConfig(),
			})
			if err != nil {
				return err
			}

			defer func() {
				err := runtime.Store.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			bus, err := cmd.NewCommandBus(
				command.String("command-bus"), command.String("kafka-brokers"), "onward-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				err := bus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close command bus", "error", err)
				}
			}()

			runtime.Engine.WithDispatcher(bus)

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "onward-worker")
				if err != nil {
					return err
				}

				runtime.Engine.WithTracer(tracer)
			}

			worker := NewWorker(workerID, bus, runtime.Engine, logger)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Worker stopped", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
