// Package config loads coordinator configuration from disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/opline/opline/pkg/executors/httpstep"
)

// SagaTypeConfig declares one saga type as configuration: its step sequence
// plus the HTTP request each step (and each rollback_<step> compensation)
// performs.
type SagaTypeConfig struct {
	Type            string                         `json:"type"`
	Steps           []string                       `json:"steps"`
	RollbackEnabled bool                           `json:"rollback_enabled"`
	MetadataSchema  json.RawMessage                `json:"metadata_schema,omitempty"`
	HTTPSteps       map[string]httpstep.StepConfig `json:"http_steps"`
}

// LoadSagaTypes reads a JSON file holding an array of saga type declarations.
func LoadSagaTypes(path string) ([]SagaTypeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read saga definitions %s: %w", path, err)
	}

	var configs []SagaTypeConfig

	err = json.Unmarshal(raw, &configs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse saga definitions %s: %w", path, err)
	}

	for _, config := range configs {
		if config.Type == "" {
			return nil, fmt.Errorf("saga definition in %s is missing a type", path)
		}

		if len(config.Steps) == 0 {
			return nil, fmt.Errorf("saga definition %q in %s has no steps", config.Type, path)
		}

		for _, step := range config.Steps {
			if _, ok := config.HTTPSteps[step]; !ok {
				return nil, fmt.Errorf("saga definition %q has no http_steps entry for step %q", config.Type, step)
			}
		}
	}

	return configs, nil
}
