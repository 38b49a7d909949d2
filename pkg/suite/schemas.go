package suite

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for suite validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("suite", builtinSuiteSchema)
	sr.RegisterSchema("project", builtinProjectSchema)
	sr.RegisterSchema("scenario", builtinScenarioSchema)
	sr.RegisterSchema("step", builtinStepSchema)
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unification against the schema performs the validation.
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in schema definitions

const builtinSuiteSchema = `
// Suite schema for Gauntlet suite definitions
#Suite: {
	// Name is the suite name
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// Description explains what the suite verifies
	description?: string

	// Version is the suite definition version
	version?: string
}
`

const builtinProjectSchema = `
// Project schema for ecosystem projects targeted by scenarios
#Project: {
	// ID is the unique identifier for this project
	id: string & =~"^[a-zA-Z0-9_-]+$"

	// Name is the human-readable name
	name: string

	// Path is the local checkout path
	path?: string

	// BaseURL is the service endpoint for live probes
	base_url?: string

	// Remote describes the SSH target for remote execution
	remote?: {
		host: string
		port?: int & >=1 & <=65535
		user: string
		artifact_dir?: string
	}

	// Labels are key-value pairs for organizing projects
	labels?: {[string]: string}
}
`

const builtinScenarioSchema = `
// Scenario schema for multi-step interaction scenarios
#Scenario: {
	// ID is the unique identifier for this scenario
	id: string & =~"^[a-zA-Z0-9_-]+$"

	// Name is the human-readable name
	name?: string

	// Description explains what the scenario verifies
	description?: string

	// Project is the ID of the targeted project
	project: string & =~"^[a-zA-Z0-9_-]+$"

	// Steps are the ordered steps of the scenario
	steps: [...#Step] & [_, ...]

	// Labels are key-value pairs for filtering scenarios
	labels?: {[string]: string}
}
`

const builtinStepSchema = `
// Step schema for single probe invocations
#Step: {
	// ID is the step identifier, unique within its scenario
	id: string & =~"^[a-zA-Z0-9_-]+$"

	// Name is the human-readable name
	name?: string

	// Kind selects the probe
	kind: "exec" | "http" | "wasm" | "ssh"

	// Params is the probe-specific configuration
	params?: {...}

	// Honeypot marks a step that must fail
	honeypot?: bool

	// Assert is a Starlark assertion script over the probe output
	assert?: string

	// DependsOn lists step dependencies
	depends_on?: [...{
		step: string & =~"^[a-zA-Z0-9_-]+$"
		type?: "require" | "order" | "notify"
	}]

	// Timeout is the step timeout as a duration string
	timeout?: string & =~"^[0-9]+(ns|us|ms|s|m|h)$"

	// MaxRetries is the maximum number of retry attempts
	max_retries?: int & >=0 & <=10
}
`

// ValidateProject validates a project configuration against the project schema.
func (sr *SchemaRegistry) ValidateProject(ctx context.Context, project ProjectConfig) error {
	return sr.ValidateAgainstSchema(ctx, "project", project)
}

// ValidateScenario validates a scenario configuration against the scenario schema.
func (sr *SchemaRegistry) ValidateScenario(ctx context.Context, scenario ScenarioConfig) error {
	return sr.ValidateAgainstSchema(ctx, "scenario", scenario)
}

// ValidateStep validates a step configuration against the step schema.
func (sr *SchemaRegistry) ValidateStep(ctx context.Context, step StepConfig) error {
	return sr.ValidateAgainstSchema(ctx, "step", step)
}
