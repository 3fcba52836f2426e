package cmd

import (
	"github.com/dukex/nurture/pkg/config"
	cli "github.com/urfave/cli/v3"
)

// CommonFlags are the connection flags of every binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL (memory://, file://dir, postgres://...)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   EventBusGoChannel,
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for run leases, in-process leases when empty",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML engine configuration",
			Sources: cli.EnvVars("NURTURE_CONFIG"),
		},
		&cli.BoolFlag{
			Name:    "otel",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

// OptionsFromCommand reads CommonFlags and the configuration file.
func OptionsFromCommand(command *cli.Command, serviceName string) (Options, error) {
	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return Options{}, err
	}

	return Options{
		ServiceName: serviceName,
		DatabaseURL: command.String("database-url"),
		EventBus:    command.String("event-bus"),
		RedisURL:    command.String("redis-url"),
		Tracing:     command.Bool("otel"),
		Config:      cfg,
	}, nil
}
