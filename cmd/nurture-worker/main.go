package main

import (
	"context"
	"os"

	"github.com/dukex/nurture/pkg/cmd"
	"github.com/dukex/nurture/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "nurture-worker",
		EnableShellCompletion: true,
		Usage:                 "Consume jobs and async events from the event bus",
		Flags: append(cmd.CommonFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("nurture-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Nurture Worker")

			opts, err := cmd.OptionsFromCommand(command, "nurture-worker")
			if err != nil {
				return err
			}

			// Follow-up jobs of a job run here instead of going back through the bus.
			opts.LocalJobs = true

			rt, err := cmd.NewRuntime(ctx, logger, opts)
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			return NewWorker(workerID, rt, logger).Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		log.WithModule("nurture-worker").Error("nurture-worker failed", "error", err)
		os.Exit(1)
	}
}
