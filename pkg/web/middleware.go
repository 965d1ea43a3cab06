package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/moogar0880/problems"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opline/opline/pkg/eventbus"
	"github.com/opline/opline/pkg/events"
	"github.com/opline/opline/pkg/idempotency"
	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/otelhelper"
)

// MiddlewareConfig tunes the idempotency interceptor.
type MiddlewareConfig struct {
	// ExemptPrefixes lists path prefixes the interceptor skips entirely,
	// on top of the built-in health endpoints.
	ExemptPrefixes []string

	// Publisher, when set, receives idempotency.replayed events whenever a
	// request is answered from a cached record instead of the handler.
	Publisher eventbus.EventPublisher

	// Tracer, when set, opens a span per intercepted request.
	Tracer trace.Tracer
}

var defaultExemptPrefixes = []string{"/health", "/livez", "/readyz", "/stats"}

// NewIdempotencyMiddleware intercepts mutating requests carrying an
// Idempotency-Key header. The first request with a given key executes
// normally and its response is cached on the record; repeats replay the
// cached response byte for byte instead of re-running the handler.
//
// The interceptor fails open: when the record store is unreachable the
// request proceeds uncached, trading the idempotency guarantee for
// availability.
func NewIdempotencyMiddleware(manager *idempotency.Manager, logger *slog.Logger, config MiddlewareConfig) fiber.Handler {
	log := logger.With("module", "idempotency_middleware")
	exempt := append(append([]string(nil), defaultExemptPrefixes...), config.ExemptPrefixes...)

	return func(c fiber.Ctx) error {
		if !mutating(c.Method()) {
			return c.Next()
		}

		for _, prefix := range exempt {
			if strings.HasPrefix(c.Path(), prefix) {
				return c.Next()
			}
		}

		key := c.Get(HeaderIdempotencyKey)
		if key == "" {
			return c.Next()
		}

		ctx := c.Context()

		var span trace.Span

		if config.Tracer != nil {
			ctx, span = otelhelper.StartSpan(ctx, config.Tracer, "idempotency.intercept",
				attribute.String(otelhelper.IdempotencyKeyKey, key),
				attribute.String(otelhelper.TenantIDKey, c.Get(HeaderTenantID)),
				attribute.String("http.request.method", c.Method()),
				attribute.String("url.path", c.Path()),
			)
			defer span.End()
		}

		err := intercept(ctx, c, manager, config.Publisher, log, key)
		if err != nil && span != nil {
			otelhelper.SetError(span, err)
		}

		return err
	}
}

// intercept runs the keyed request through its idempotency record: replay,
// reject, report in flight, or execute and capture.
func intercept(ctx context.Context, c fiber.Ctx, manager *idempotency.Manager, publisher eventbus.EventPublisher, log *slog.Logger, key string) error {
	tenantID := c.Get(HeaderTenantID)
	userID := c.Get(HeaderUserID)
	operationType := c.Method() + " " + c.Path()

	record, created, err := manager.Create(ctx, tenantID, userID, operationType, key)
	if err != nil {
		log.WarnContext(ctx, "Idempotency record creation failed; failing open",
			"key", key, "error", err)

		return c.Next()
	}

	c.Set(HeaderIdempotencyKey, key)

	if !created {
		switch record.Status {
		case models.IdempotencyStatusCompleted:
			publishReplayed(ctx, publisher, log, record)

			return replay(c, log, record)

		case models.IdempotencyStatusFailed:
			c.Set(HeaderIdempotencyCache, "hit")
			publishReplayed(ctx, publisher, log, record)

			return unprocessable(c, "Previous attempt with this idempotency key failed: "+record.Error)

		default:
			// Pending or in_progress: another request holds the key.
			c.Set(HeaderIdempotencyCache, "in-flight")

			problem := problems.NewStatusProblem(202).
				WithInstance(c.Path()).
				WithType("request_in_flight").
				WithDetail("A request with this idempotency key is still being processed")

			return c.Status(fiber.StatusAccepted).JSON(problem)
		}
	}

	// Fresh record: this request does the work.
	if _, err := manager.MarkInProgress(ctx, key); err != nil {
		log.WarnContext(ctx, "Failed to mark idempotency record in progress", "key", key, "error", err)
	}

	c.Set(HeaderIdempotencyCache, "miss")

	handlerErr := c.Next()
	if handlerErr != nil {
		if _, err := manager.Complete(ctx, key, nil, handlerErr.Error()); err != nil {
			log.WarnContext(ctx, "Failed to record handler failure", "key", key, "error", err)
		}

		return handlerErr
	}

	statusCode := c.Response().StatusCode()

	if statusCode >= fiber.StatusInternalServerError {
		// Transient upstream failure: record it as failed so the caller's
		// retry is answered from the record rather than re-executed.
		if _, err := manager.Complete(ctx, key, nil, "handler returned status "+strconv.Itoa(statusCode)); err != nil {
			log.WarnContext(ctx, "Failed to record handler failure", "key", key, "error", err)
		}

		return nil
	}

	cached := cachedResponse{
		StatusCode:  statusCode,
		ContentType: string(c.Response().Header.ContentType()),
		Body:        append([]byte(nil), c.Response().Body()...),
	}

	payload, err := cached.marshal()
	if err != nil {
		log.WarnContext(ctx, "Failed to encode cached response", "key", key, "error", err)

		return nil
	}

	if _, err := manager.Complete(ctx, key, payload, ""); err != nil {
		log.WarnContext(ctx, "Failed to complete idempotency record", "key", key, "error", err)
	}

	return nil
}

// replay writes the response stored on a completed record without invoking
// the handler.
func replay(c fiber.Ctx, log *slog.Logger, record *models.IdempotencyRecord) error {
	var cached cachedResponse

	err := json.Unmarshal(record.Result, &cached)
	if err != nil {
		log.WarnContext(c.Context(), "Cached idempotency result is unreadable; failing open",
			"key", record.Key, "error", err)

		return c.Next()
	}

	c.Set(HeaderIdempotencyCache, "hit")

	if cached.ContentType != "" {
		c.Set(fiber.HeaderContentType, cached.ContentType)
	}

	return c.Status(cached.StatusCode).Send(cached.Body)
}

// publishReplayed emits idempotency.replayed for a request answered from the
// record. Publish failures are downgraded to warnings.
func publishReplayed(ctx context.Context, publisher eventbus.EventPublisher, log *slog.Logger, record *models.IdempotencyRecord) {
	if publisher == nil {
		return
	}

	err := publisher.Publish(ctx, record.Key, events.IdempotencyReplayed{
		BaseEvent: events.BaseEvent{
			ID:        uuid.NewString(),
			Type:      events.IdempotencyReplayedEvent,
			Timestamp: time.Now(),
			TenantID:  record.TenantID,
		},
		Key:           record.Key,
		OperationType: record.OperationType,
		Status:        record.Status,
	})
	if err != nil {
		log.WarnContext(ctx, "Failed to publish idempotency replay event",
			"key", record.Key, "error", err)
	}
}

func mutating(method string) bool {
	switch method {
	case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch, fiber.MethodDelete:
		return true
	default:
		return false
	}
}
