// Package main provides the Opline API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/opline/opline/pkg/eventbus"
	"github.com/opline/opline/pkg/idempotency"
	"github.com/opline/opline/pkg/lock"
	"github.com/opline/opline/pkg/operations"
	"github.com/opline/opline/pkg/otelhelper"
	"github.com/opline/opline/pkg/registry"
	"github.com/opline/opline/pkg/saga"
	"github.com/opline/opline/pkg/store"
	"github.com/opline/opline/pkg/web"
)

type API struct {
	logger         *slog.Logger
	store          store.Store
	registry       *registry.Registry
	eventBus       eventbus.EventBus
	idempotencyTTL time.Duration
	tracing        bool
	validate       *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	s store.Store,
	reg *registry.Registry,
	eventBus eventbus.EventBus,
	idempotencyTTL time.Duration,
	tracing bool,
) *API {
	return &API{
		logger:         logger,
		store:          s,
		registry:       reg,
		eventBus:       eventBus,
		idempotencyTTL: idempotencyTTL,
		tracing:        tracing,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App(ctx context.Context) (*fiber.App, error) {
	var tracer trace.Tracer

	if a.tracing {
		t, err := otelhelper.NewTracer(ctx, "opline-api")
		if err != nil {
			return nil, err
		}

		tracer = t
	}

	locks := lock.NewManager(a.store, lock.DefaultLease, a.logger)
	idempotencyManager := idempotency.NewManager(a.store, locks, a.idempotencyTTL, a.logger)
	tracker := operations.NewTracker(a.store, a.eventBus, a.logger)
	engine := saga.NewEngine(a.store, a.registry, locks, a.eventBus, tracer, a.logger)

	handlers := web.NewAPIHandlers(engine, tracker, idempotencyManager, a.store, a.registry, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))
	app.Use(web.NewIdempotencyMiddleware(idempotencyManager, a.logger, web.MiddlewareConfig{
		Publisher: a.eventBus,
		Tracer:    tracer,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Opline API")
	})

	sg := app.Group("/sagas")
	sg.Post("/", handlers.CreateSaga)
	sg.Get("/types", handlers.GetSagaTypes)
	sg.Get("/:id", handlers.GetSaga)
	sg.Get("/:id/history", handlers.GetSagaHistory)
	sg.Post("/:id/approve", handlers.ApproveSaga)
	sg.Post("/:id/resume", handlers.ResumeSaga)

	ops := app.Group("/operations")
	ops.Get("/", handlers.GetOperations)
	ops.Post("/", handlers.CreateOperation)
	ops.Get("/:id", handlers.GetOperation)
	ops.Patch("/:id/status", handlers.UpdateOperationStatus)

	app.Get("/idempotency/:key", handlers.GetIdempotencyRecord)

	app.Get("/health", handlers.HealthCheck)
	app.Get("/stats", handlers.GetStats)

	return app, nil
}

func (a *API) Start(ctx context.Context, port int) error {
	app, err := a.App(ctx)
	if err != nil {
		return err
	}

	return app.Listen(":" + strconv.Itoa(port))
}
