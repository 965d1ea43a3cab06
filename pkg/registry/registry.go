// Package registry holds the saga type definitions known to a running
// coordinator and the step executors that implement them.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/opline/opline/pkg/protocol"
)

// Definition describes one saga type: its fixed forward step sequence,
// whether compensations run on failure, and an optional JSON Schema that
// saga metadata is validated against at creation time.
type Definition struct {
	Type            string          `json:"type"            validate:"required"`
	Steps           []string        `json:"steps"           validate:"required,min=1,dive,required"`
	RollbackEnabled bool            `json:"rollback_enabled"`
	MetadataSchema  json.RawMessage `json:"metadata_schema,omitempty"`
}

type registeredType struct {
	definition *Definition
	executor   protocol.StepExecutor
	schema     *gojsonschema.Schema
}

type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	types map[string]*registeredType
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("module", "registry"),
		types:  make(map[string]*registeredType),
	}
}

// Register adds a saga type. The metadata schema, when present, is compiled
// here so malformed schemas surface at startup rather than on first use.
func (r *Registry) Register(def Definition, executor protocol.StepExecutor) error {
	if def.Type == "" {
		return fmt.Errorf("saga type name is required")
	}

	if len(def.Steps) == 0 {
		return fmt.Errorf("saga type %q has no steps", def.Type)
	}

	if executor == nil {
		return fmt.Errorf("saga type %q has no step executor", def.Type)
	}

	registered := &registeredType{definition: &def, executor: executor}

	if len(def.MetadataSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.MetadataSchema))
		if err != nil {
			return fmt.Errorf("invalid metadata schema for saga type %q: %w", def.Type, err)
		}

		registered.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[def.Type]; exists {
		return fmt.Errorf("saga type %q already registered", def.Type)
	}

	r.types[def.Type] = registered

	r.logger.Info("Registered saga type", "type", def.Type, "steps", len(def.Steps))

	return nil
}

func (r *Registry) Definition(sagaType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registered, ok := r.types[sagaType]
	if !ok {
		return nil, fmt.Errorf("saga type %q not registered", sagaType)
	}

	return registered.definition, nil
}

func (r *Registry) ExecutorFor(sagaType string) (protocol.StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registered, ok := r.types[sagaType]
	if !ok {
		return nil, fmt.Errorf("saga type %q not registered", sagaType)
	}

	return registered.executor, nil
}

// ValidateMetadata checks metadata against the type's JSON Schema. Types
// without a schema accept any metadata.
func (r *Registry) ValidateMetadata(sagaType string, metadata map[string]any) error {
	r.mu.RLock()
	registered, ok := r.types[sagaType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("saga type %q not registered", sagaType)
	}

	if registered.schema == nil {
		return nil
	}

	if metadata == nil {
		metadata = map[string]any{}
	}

	result, err := registered.schema.Validate(gojsonschema.NewGoLoader(metadata))
	if err != nil {
		return fmt.Errorf("metadata validation for saga type %q: %w", sagaType, err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("metadata for saga type %q is invalid: %s", sagaType, strings.Join(details, "; "))
	}

	return nil
}

// SagaTypes returns the registered type names, sorted.
func (r *Registry) SagaTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
