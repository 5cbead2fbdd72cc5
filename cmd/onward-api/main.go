package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/onwardhq/onward/pkg/backpressure"
	"github.com/onwardhq/onward/pkg/cmd"
	"github.com/onwardhq/onward/pkg/log"
	"github.com/onwardhq/onward/pkg/models"
	"github.com/onwardhq/onward/pkg/otelhelper"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "onward-api",
		Usage:                 "Serve the onboarding workflow HTTP API",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
				Name:    "command-bus",
				Usage:   "Command bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("COMMAND_BUS_TYPE"),
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

			logger.InfoContext(ctx, "Initializing Onward API")

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeOptions{
				DatabaseURL: command.String("database-url"),
				FlowFiles:   command.StringSlice("flow-file"),
				WorkerID:    "api",
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
				command.String("command-bus"), command.String("kafka-brokers"), "onward-api", logger)
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

			// Consume dispatched follow-ups in process. With the gochannel
			// bus this is the only consumer; with Kafka the API shares the
			// work with dedicated workers.
			err = bus.Subscribe(ctx, func(ctx context.Context, cmd *models.ActionCommand) error {
				_, err := runtime.Engine.Handle(ctx, cmd)

				return err
			})
			if err != nil {
				return err
			}

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "onward-api")
				if err != nil {
					return err
				}

				runtime.Engine.WithTracer(tracer)
			}

			api := NewAPI(logger, runtime.Service)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
