package cmd

import (
	"fmt"
	"log/slog"

	"github.com/opline/opline/pkg/config"
	"github.com/opline/opline/pkg/executors/httpstep"
	"github.com/opline/opline/pkg/registry"
)

// NewRegistry builds the saga type registry from a definitions file. Each
// declared type gets an HTTP step executor over its configured requests.
func NewRegistry(logger *slog.Logger, definitionsPath string) *registry.Registry {
	reg := registry.NewRegistry(logger)

	if definitionsPath == "" {
		return reg
	}

	sagaTypes, err := config.LoadSagaTypes(definitionsPath)
	if err != nil {
		panic(fmt.Errorf("failed to load saga definitions: %w", err))
	}

	for _, sagaType := range sagaTypes {
		executor, err := httpstep.NewExecutor(sagaType.HTTPSteps, logger)
		if err != nil {
			panic(fmt.Errorf("failed to build executor for saga type %q: %w", sagaType.Type, err))
		}

		err = reg.Register(registry.Definition{
			Type:            sagaType.Type,
			Steps:           sagaType.Steps,
			RollbackEnabled: sagaType.RollbackEnabled,
			MetadataSchema:  sagaType.MetadataSchema,
		}, executor)
		if err != nil {
			panic(fmt.Errorf("failed to register saga type %q: %w", sagaType.Type, err))
		}
	}

	return reg
}
