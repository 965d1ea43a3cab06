package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/protocol"
)

// MockStepExecutor is a mock implementation of the protocol.StepExecutor interface.
type MockStepExecutor struct {
	mock.Mock
}

func (m *MockStepExecutor) ExecuteStep(ctx context.Context, step string, sc protocol.StepContext) (*models.StepResult, error) {
	args := m.Called(ctx, step, sc)

	result, _ := args.Get(0).(*models.StepResult)

	return result, args.Error(1)
}
