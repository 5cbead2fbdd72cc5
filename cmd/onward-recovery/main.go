// Package main provides the Onward recovery scanner: it sweeps the instance
// table for runs abandoned by crashed workers and nudges them forward.
package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/onwardhq/onward/pkg/backpressure"
	"github.com/onwardhq/onward/pkg/cmd"
	"github.com/onwardhq/onward/pkg/log"
	"github.com/onwardhq/onward/pkg/recovery"
)

func main() {
	logger := log.WithModule("recovery")

	command := &cli.Command{
		Name:                  "onward-recovery",
		EnableShellCompletion: true,
		Usage:                 "Recover abandoned onboarding instances",
		Flags: []cli.Flag{
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
				Name:    "redis-url",
				Usage:   "Redis URL for the cross-process scan lock",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "settle-delay",
				Usage:   "Wait after startup before the first scan",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("RECOVERY_SETTLE_DELAY"),
			},
			&cli.DurationFlag{
				Name:    "scan-interval",
				Usage:   "Period between scans",
				Value:   time.Minute,
				Sources: cli.EnvVars("RECOVERY_SCAN_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "min-age",
				Usage:   "How long an instance must be parked before it counts as abandoned",
				Value:   5 * time.Minute,
				Sources: cli.EnvVars("RECOVERY_MIN_AGE"),
			},
			&cli.DurationFlag{
				Name:    "stuck-threshold",
				Usage:   "How long a step may stay running before it is marked failed",
				Value:   10 * time.Minute,
				Sources: cli.EnvVars("RECOVERY_STUCK_THRESHOLD"),
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

			logger.InfoContext(ctx, "Initializing Onward Recovery")

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeOptions{
				DatabaseURL: command.String("database-url"),
				FlowFiles:   command.StringSlice("flow-file"),
				WorkerID:    "recovery",
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

			locker, err := cmd.NewRecoveryLocker(command.String("redis-url"))
			if err != nil {
				return err
			}

			config := recovery.DefaultConfig()
			config.SettleDelay = command.Duration("settle-delay")
			config.ScanInterval = command.Duration("scan-interval")
			config.MinAge = command.Duration("min-age")
			config.StuckThreshold = command.Duration("stuck-threshold")

			scanner := recovery.NewScanner(
				runtime.Store, runtime.Table, runtime.Engine, locker, logger, config)
			defer scanner.Stop()

			err = scanner.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Recovery scanner stopped", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
