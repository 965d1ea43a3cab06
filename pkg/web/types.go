// Package web provides HTTP request and response types for the coordinator API.
package web

import "encoding/json"

// Header names the API reads and writes.
const (
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderIdempotencyCache = "X-Idempotency-Cache"
	HeaderTenantID         = "X-Tenant-ID"
	HeaderUserID           = "X-User-ID"
)

// StartSagaRequest represents the request body for creating and running a saga.
type StartSagaRequest struct {
	Type     string         `json:"type"               validate:"required"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ApproveSagaRequest represents the request body for approving a paused saga.
// The approval payload is handed to the gated step's executor as-is.
type ApproveSagaRequest struct {
	ApprovalData map[string]any `json:"approval_data,omitempty"`
}

// CreateOperationRequest represents the request body for registering a
// background operation.
type CreateOperationRequest struct {
	OperationType  string `json:"operation_type"            validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// UpdateOperationStatusRequest represents the request body for advancing an
// operation's lifecycle status.
type UpdateOperationStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending in_progress completed failed"`
}

// cachedResponse is the replay payload stored on a completed idempotency
// record: enough of the original response to reproduce it byte for byte.
type cachedResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

func (r cachedResponse) marshal() (json.RawMessage, error) {
	return json.Marshal(r)
}
