// Package events defines event types and structures for saga and operation
// lifecycle notifications.
package events

import (
	"time"

	"github.com/opline/opline/pkg/models"
)

type EventType string

// Kafka topic.
const Topic = "opline.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Saga lifecycle events.
	SagaStartedEvent         EventType = "saga.started"
	SagaStepCompletedEvent   EventType = "saga.step.completed"
	SagaWaitingApprovalEvent EventType = "saga.waiting_approval"
	SagaCompletedEvent       EventType = "saga.completed"
	SagaFailedEvent          EventType = "saga.failed"
	SagaRolledBackEvent      EventType = "saga.rolled_back"

	// Coordinator bookkeeping events.
	OperationUpdatedEvent    EventType = "operation.updated"
	IdempotencyReplayedEvent EventType = "idempotency.replayed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type SagaStarted struct {
	BaseEvent

	SagaID   string   `json:"saga_id"`
	SagaType string   `json:"saga_type"`
	Steps    []string `json:"steps"`
}

func (e SagaStarted) GetType() EventType {
	return SagaStartedEvent
}

type SagaStepCompleted struct {
	BaseEvent

	SagaID    string            `json:"saga_id"`
	StepIndex int               `json:"step_index"`
	Result    models.StepResult `json:"result"`
}

func (e SagaStepCompleted) GetType() EventType {
	return SagaStepCompletedEvent
}

type SagaWaitingApproval struct {
	BaseEvent

	SagaID string `json:"saga_id"`
	Step   string `json:"step"`
}

func (e SagaWaitingApproval) GetType() EventType {
	return SagaWaitingApprovalEvent
}

type SagaCompleted struct {
	BaseEvent

	SagaID   string        `json:"saga_id"`
	Duration time.Duration `json:"duration"`
}

func (e SagaCompleted) GetType() EventType {
	return SagaCompletedEvent
}

type SagaFailed struct {
	BaseEvent

	SagaID        string   `json:"saga_id"`
	Step          string   `json:"step"`
	Error         string   `json:"error"`
	RollbackSteps []string `json:"rollback_steps,omitempty"`
}

func (e SagaFailed) GetType() EventType {
	return SagaFailedEvent
}

type SagaRolledBack struct {
	BaseEvent

	SagaID        string   `json:"saga_id"`
	RollbackSteps []string `json:"rollback_steps"`
}

func (e SagaRolledBack) GetType() EventType {
	return SagaRolledBackEvent
}

type OperationUpdated struct {
	BaseEvent

	OperationID string                 `json:"operation_id"`
	Status      models.OperationStatus `json:"status"`
}

func (e OperationUpdated) GetType() EventType {
	return OperationUpdatedEvent
}

type IdempotencyReplayed struct {
	BaseEvent

	Key           string                   `json:"key"`
	OperationType string                   `json:"operation_type"`
	Status        models.IdempotencyStatus `json:"status"`
}

func (e IdempotencyReplayed) GetType() EventType {
	return IdempotencyReplayedEvent
}
