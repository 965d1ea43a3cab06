package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/opline/opline/pkg/idempotency"
	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/operations"
	"github.com/opline/opline/pkg/registry"
	"github.com/opline/opline/pkg/saga"
	"github.com/opline/opline/pkg/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type APIHandlers struct {
	engine      *saga.Engine
	tracker     *operations.Tracker
	idempotency *idempotency.Manager
	store       store.Store
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	engine *saga.Engine,
	tracker *operations.Tracker,
	idempotencyManager *idempotency.Manager,
	s store.Store,
	reg *registry.Registry,
	validate *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:      engine,
		tracker:     tracker,
		idempotency: idempotencyManager,
		store:       s,
		registry:    reg,
		validator:   validate,
	}
}

// CreateSaga creates a saga of a registered type and runs it inline. The
// response carries wherever the run ended up: completed, failed, rolled back
// or paused on an approval gate.
func (h *APIHandlers) CreateSaga(c fiber.Ctx) error {
	var req StartSagaRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.engine.Start(c.Context(), req.Type, c.Get(HeaderTenantID), req.Metadata)
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.Run(c.Context(), created.ID)
	if err != nil && !errors.Is(err, saga.ErrAwaitingApproval) {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) GetSaga(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Saga ID is required")
	}

	record, err := h.store.Saga(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err, "Saga not found")
	}

	return c.JSON(record)
}

func (h *APIHandlers) GetSagaHistory(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Saga ID is required")
	}

	if _, err := h.store.Saga(c.Context(), id); err != nil {
		return handleStoreError(c, err, "Saga not found")
	}

	history, err := h.store.SagaHistory(c.Context(), id)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"saga_id": id,
		"history": history,
	})
}

// ApproveSaga resumes a saga paused on an approval gate.
func (h *APIHandlers) ApproveSaga(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Saga ID is required")
	}

	var req ApproveSagaRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	result, err := h.engine.ApproveAndContinue(c.Context(), id, req.ApprovalData)
	if err != nil {
		switch {
		case store.IsNotFound(err):
			return notFound(c, "Saga not found")
		case errors.Is(err, saga.ErrNotAwaitingApproval), errors.Is(err, saga.ErrSagaBusy):
			return conflict(c, err.Error())
		default:
			return internalError(c, err)
		}
	}

	return c.JSON(result)
}

// ResumeSaga re-runs a saga from its persisted step, picking up work stranded
// by a crashed worker. Terminal sagas pass through unchanged.
func (h *APIHandlers) ResumeSaga(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Saga ID is required")
	}

	result, err := h.engine.Run(c.Context(), id)
	if err != nil {
		switch {
		case store.IsNotFound(err):
			return notFound(c, "Saga not found")
		case errors.Is(err, saga.ErrAwaitingApproval), errors.Is(err, saga.ErrSagaBusy):
			return conflict(c, err.Error())
		default:
			return internalError(c, err)
		}
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetSagaTypes(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"types": h.registry.SagaTypes()})
}

func (h *APIHandlers) CreateOperation(c fiber.Ctx) error {
	var req CreateOperationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	record, err := h.tracker.Create(c.Context(), c.Get(HeaderTenantID), c.Get(HeaderUserID), req.OperationType, req.IdempotencyKey)
	if err != nil {
		return badRequest(c, err.Error())
	}

	return c.Status(fiber.StatusCreated).JSON(record)
}

func (h *APIHandlers) GetOperation(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Operation ID is required")
	}

	record, err := h.tracker.Get(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err, "Operation not found")
	}

	return c.JSON(record)
}

func (h *APIHandlers) UpdateOperationStatus(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Operation ID is required")
	}

	var req UpdateOperationStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	record, err := h.tracker.UpdateStatus(c.Context(), id, models.OperationStatus(req.Status))
	if err != nil {
		switch {
		case store.IsNotFound(err):
			return notFound(c, "Operation not found")
		case errors.Is(err, operations.ErrInvalidTransition):
			return conflict(c, err.Error())
		default:
			return internalError(c, err)
		}
	}

	return c.JSON(record)
}

// GetOperations lists a tenant's operations, newest first.
func (h *APIHandlers) GetOperations(c fiber.Ctx) error {
	tenantID := c.Get(HeaderTenantID)
	if tenantID == "" {
		tenantID = c.Query("tenant_id")
	}

	if tenantID == "" {
		return badRequest(c, "Tenant ID is required")
	}

	limit, offset, err := parsePagination(c)
	if err != nil {
		return badRequest(c, "Invalid pagination parameters: "+err.Error())
	}

	records, err := h.tracker.ListByTenant(c.Context(), tenantID, limit, offset)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"operations": records,
		"pagination": fiber.Map{
			"limit":  limit,
			"offset": offset,
		},
	})
}

// GetIdempotencyRecord inspects a stored idempotency record. Expired records
// read as absent.
func (h *APIHandlers) GetIdempotencyRecord(c fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return badRequest(c, "Idempotency key is required")
	}

	record, err := h.idempotency.Check(c.Context(), key)
	if err != nil {
		return handleStoreError(c, err, "Idempotency record not found")
	}

	return c.JSON(record)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Opline API is healthy"
	httpStatus := http.StatusOK

	err := h.store.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		message = "Opline API is unhealthy: " + err.Error()
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetStats(c fiber.Ctx) error {
	stats, err := h.store.Stats(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(stats)
}

func parsePagination(c fiber.Ctx) (int, int, error) {
	limit := defaultListLimit
	offset := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}

		limit = parsed
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}

		offset = parsed
	}

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	if offset < 0 {
		offset = 0
	}

	return limit, offset, nil
}
