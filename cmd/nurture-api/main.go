package main

import (
	"context"
	"os"

	"github.com/dukex/nurture/pkg/cmd"
	"github.com/dukex/nurture/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "nurture-api",
		Usage:                 "Ingest events and manage triggers, flows and drip campaigns",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Nurture API")

			opts, err := cmd.OptionsFromCommand(command, "nurture-api")
			if err != nil {
				return err
			}

			rt, err := cmd.NewRuntime(ctx, logger, opts)
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			// gochannel only reaches this process, so the API consumes its own async events.
			if opts.EventBus != cmd.EventBusKafka {
				if err := rt.Consume(ctx); err != nil {
					return err
				}
			}

			return NewAPI(logger, rt).Start(ctx, command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("nurture-api failed", "error", err)
		os.Exit(1)
	}
}
