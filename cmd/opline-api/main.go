package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/opline/opline/pkg/cmd"
	"github.com/opline/opline/pkg/log"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "opline-api",
		Usage:                 "Run the idempotent operation and saga coordinator API",
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
				Name:     "store-url",
				Usage:    "Storage backend URL (memory://, redis://, postgres://)",
				Required: true,
				Sources:  cli.EnvVars("STORE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "saga-definitions",
				Usage:   "Path to the saga type definitions file",
				Value:   "",
				Sources: cli.EnvVars("SAGA_DEFINITIONS"),
			},
			&cli.DurationFlag{
				Name:    "idempotency-ttl",
				Usage:   "Business lifetime of idempotency records",
				Value:   0,
				Sources: cli.EnvVars("IDEMPOTENCY_TTL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for saga steps",
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

			logger.InfoContext(ctx, "Initializing Opline API")

			s := cmd.NewStore(ctx, logger, command.String("store-url"))

			defer func() {
				err := s.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), "api", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			registry := cmd.NewRegistry(logger, command.String("saga-definitions"))

			api := NewAPI(
				logger,
				s,
				registry,
				eventBus,
				command.Duration("idempotency-ttl"),
				command.Bool("tracing"),
			)

			err := api.Start(ctx, command.Int("port"))
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
