package registry_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/protocol"
	"github.com/opline/opline/pkg/registry"
)

func noopExecutor() protocol.StepExecutor {
	return protocol.StepExecutorFunc(func(_ context.Context, step string, _ protocol.StepContext) (*models.StepResult, error) {
		return &models.StepResult{Success: true, Step: step}, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	r := registry.NewRegistry(slog.Default())

	err := r.Register(registry.Definition{
		Type:  "provision_subscriber",
		Steps: []string{"reserve_ip", "create_radius_account"},
	}, noopExecutor())
	require.NoError(t, err)

	def, err := r.Definition("provision_subscriber")
	require.NoError(t, err)
	assert.Equal(t, []string{"reserve_ip", "create_radius_account"}, def.Steps)

	executor, err := r.ExecutorFor("provision_subscriber")
	require.NoError(t, err)
	assert.NotNil(t, executor)

	assert.Equal(t, []string{"provision_subscriber"}, r.SagaTypes())
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := registry.NewRegistry(slog.Default())

	assert.Error(t, r.Register(registry.Definition{Steps: []string{"a"}}, noopExecutor()))
	assert.Error(t, r.Register(registry.Definition{Type: "empty"}, noopExecutor()))
	assert.Error(t, r.Register(registry.Definition{Type: "no_exec", Steps: []string{"a"}}, nil))

	require.NoError(t, r.Register(registry.Definition{Type: "dup", Steps: []string{"a"}}, noopExecutor()))
	assert.Error(t, r.Register(registry.Definition{Type: "dup", Steps: []string{"a"}}, noopExecutor()))
}

func TestRegistry_RegisterRejectsMalformedSchema(t *testing.T) {
	r := registry.NewRegistry(slog.Default())

	err := r.Register(registry.Definition{
		Type:           "broken",
		Steps:          []string{"a"},
		MetadataSchema: json.RawMessage(`{"type": 42}`),
	}, noopExecutor())
	assert.Error(t, err)
}

func TestRegistry_ValidateMetadata(t *testing.T) {
	r := registry.NewRegistry(slog.Default())

	schema := json.RawMessage(`{
		"type": "object",
		"required": ["plan"],
		"properties": {
			"plan":      {"type": "string"},
			"bandwidth": {"type": "integer", "minimum": 1}
		}
	}`)

	require.NoError(t, r.Register(registry.Definition{
		Type:           "provision_subscriber",
		Steps:          []string{"reserve_ip"},
		MetadataSchema: schema,
	}, noopExecutor()))

	require.NoError(t, r.Register(registry.Definition{
		Type:  "schemaless",
		Steps: []string{"a"},
	}, noopExecutor()))

	tests := []struct {
		name     string
		sagaType string
		metadata map[string]any
		wantErr  bool
	}{
		{
			name:     "valid metadata",
			sagaType: "provision_subscriber",
			metadata: map[string]any{"plan": "gold", "bandwidth": 100},
		},
		{
			name:     "missing required field",
			sagaType: "provision_subscriber",
			metadata: map[string]any{"bandwidth": 100},
			wantErr:  true,
		},
		{
			name:     "wrong type",
			sagaType: "provision_subscriber",
			metadata: map[string]any{"plan": 7},
			wantErr:  true,
		},
		{
			name:     "nil metadata fails required",
			sagaType: "provision_subscriber",
			wantErr:  true,
		},
		{
			name:     "schemaless accepts anything",
			sagaType: "schemaless",
			metadata: map[string]any{"whatever": true},
		},
		{
			name:     "unknown type",
			sagaType: "missing",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateMetadata(tt.sagaType, tt.metadata)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
