package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opline/opline/pkg/config"
)

func writeDefinitions(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sagas.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadSagaTypes(t *testing.T) {
	t.Parallel()

	path := writeDefinitions(t, `[
		{
			"type": "provision_subscriber",
			"steps": ["reserve_ip", "activate_plan"],
			"rollback_enabled": true,
			"metadata_schema": {"type": "object", "required": ["plan"]},
			"http_steps": {
				"reserve_ip":           {"method": "POST", "url": "http://ipam.internal/reserve"},
				"activate_plan":        {"method": "POST", "url": "http://billing.internal/activate"},
				"rollback_reserve_ip":  {"method": "DELETE", "url": "http://ipam.internal/reserve"}
			}
		}
	]`)

	configs, err := config.LoadSagaTypes(path)
	require.NoError(t, err)
	require.Len(t, configs, 1)

	assert.Equal(t, "provision_subscriber", configs[0].Type)
	assert.Equal(t, []string{"reserve_ip", "activate_plan"}, configs[0].Steps)
	assert.True(t, configs[0].RollbackEnabled)
	assert.NotEmpty(t, configs[0].MetadataSchema)
	assert.Len(t, configs[0].HTTPSteps, 3)
	assert.Equal(t, "POST", configs[0].HTTPSteps["reserve_ip"].Method)
}

func TestLoadSagaTypes_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "missing file handled separately", content: ""},
		{name: "not json", content: "nope"},
		{name: "missing type", content: `[{"steps": ["a"], "http_steps": {"a": {"url": "http://x"}}}]`},
		{name: "missing steps", content: `[{"type": "t", "http_steps": {}}]`},
		{name: "step without http config", content: `[{"type": "t", "steps": ["a"], "http_steps": {}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := writeDefinitions(t, tt.content)

			_, err := config.LoadSagaTypes(path)
			assert.Error(t, err)
		})
	}

	_, err := config.LoadSagaTypes(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
