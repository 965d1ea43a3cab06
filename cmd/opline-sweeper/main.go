package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/opline/opline/pkg/cmd"
	"github.com/opline/opline/pkg/lock"
	"github.com/opline/opline/pkg/log"
	"github.com/opline/opline/pkg/sweeper"
)

func main() {
	logger := log.WithModule("sweeper")

	command := &cli.Command{
		Name:                  "opline-sweeper",
		Usage:                 "Periodically remove expired idempotency records and reclaim expired locks",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "store-url",
				Usage:    "Storage backend URL (memory://, redis://, postgres://)",
				Required: true,
				Sources:  cli.EnvVars("STORE_URL"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron schedule for cleanup passes",
				Value:   sweeper.DefaultSchedule,
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
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

			logger.InfoContext(ctx, "Initializing Opline sweeper")

			s := cmd.NewStore(ctx, logger, command.String("store-url"))

			defer func() {
				err := s.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			locks := lock.NewManager(s, lock.DefaultLease, logger)
			sw := sweeper.NewSweeper(s, locks, command.String("schedule"), logger)

			err := sw.Start(ctx)
			if err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			<-sigChan
			logger.InfoContext(ctx, "Shutting down sweeper...")

			sw.Stop(ctx)

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
