package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/nurture/pkg/cmd"
	"github.com/dukex/nurture/pkg/log"
	"github.com/dukex/nurture/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func main() {
	logger := log.WithModule("nurture-scheduler")

	command := &cli.Command{
		Name:                  "nurture-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Poll due drip runs and flow instances",
		Flags: append(cmd.CommonFlags(),
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run one poll of every queue and exit",
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			opts, err := cmd.OptionsFromCommand(command, "nurture-scheduler")
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

			cfg := opts.Config.Scheduler
			sched := scheduler.New(logger, rt.DripEngine, rt.FlowEngine, rt.Dispatcher, scheduler.Config{
				DripInterval: cfg.DripInterval,
				FlowInterval: cfg.FlowInterval,
				BatchSize:    cfg.BatchSize,
				Workers:      cfg.Workers,
			})

			if command.Bool("once") {
				if _, err := sched.PollDrip(ctx); err != nil {
					return err
				}

				_, err := sched.PollFlows(ctx)

				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sched.Start(ctx); err != nil {
				return err
			}

			logger.InfoContext(ctx, "Scheduler started",
				"drip_interval", cfg.DripInterval, "flow_interval", cfg.FlowInterval)

			<-ctx.Done()

			return sched.Stop(context.WithoutCancel(ctx))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("nurture-scheduler failed", "error", err)
		os.Exit(1)
	}
}
