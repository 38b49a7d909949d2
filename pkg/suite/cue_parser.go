// Package suite parses Gauntlet suite definitions written in CUE.
//
// A suite definition declares the projects under verification, the
// interaction scenarios that exercise them, and execution defaults.
// Definitions are validated three ways: structurally against the
// embedded CUE schemas, by struct tags via go-playground/validator,
// and semantically (duplicate IDs, dangling references) during the
// conversion to engine types. Step assertions are Starlark scripts
// evaluated against probe output at run time.
package suite

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// Parser parses and validates CUE suite definitions.
type Parser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	evaluator      *StarlarkEvaluator
	validator      *validator.Validate
}

// NewParser creates a new suite parser.
func NewParser() *Parser {
	return &Parser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		evaluator:      NewStarlarkEvaluator(30 * time.Second),
		validator:      validator.New(),
	}
}

// Load parses suite sources and returns the definition, failing on any
// validation error.
func (p *Parser) Load(ctx context.Context, sources []string) (*Definition, error) {
	parsed, err := p.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}

	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("suite validation errors: %v", parsed.Errors)
	}

	return parsed.Definition, nil
}

// Parse parses a suite definition from the given sources. Sources may be
// CUE files or directories containing a CUE package.
func (p *Parser) Parse(ctx context.Context, sources []string) (*ParsedSuite, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := p.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := p.loadFile(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				if cueValue.Exists() {
					cueValue = cueValue.Unify(val)
				} else {
					cueValue = val
				}
			}
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedSuite{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		parseErrors = append(parseErrors, p.convertCUEErrors(err)...)
		return &ParsedSuite{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	return p.extractSuite(cueValue, sourceFiles)
}

// ParseInline parses an inline CUE suite definition.
func (p *Parser) ParseInline(ctx context.Context, content string) (*ParsedSuite, error) {
	val := p.ctx.CompileString(content)
	if err := val.Err(); err != nil {
		return &ParsedSuite{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      p.convertCUEErrors(err),
		}, nil
	}

	return p.extractSuite(val, []string{"inline"})
}

// loadDirectory loads a directory as a CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{dir}, nil)
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (p *Parser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := p.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, p.convertCUEErrors(err)
	}

	return val, nil
}

// extractSuite decodes the suite definition from a CUE value.
func (p *Parser) extractSuite(val cue.Value, sourceFiles []string) (*ParsedSuite, error) {
	parsed := &ParsedSuite{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	def := &Definition{}

	suiteVal := val.LookupPath(cue.ParsePath("suite"))
	if suiteVal.Exists() {
		if err := suiteVal.Decode(&def.Suite); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "suite",
				Message:  fmt.Sprintf("failed to decode suite: %v", err),
				Severity: "error",
			})
		}
	} else {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "suite",
			Message:  "missing suite block",
			Severity: "error",
		})
	}

	p.extractProjects(val, def, parsed)
	p.extractScenarios(val, def, parsed)
	p.extractSettings(val, def, parsed)

	if len(parsed.Errors) == 0 {
		if err := p.validator.Struct(def); err != nil {
			parsed.Errors = append(parsed.Errors, p.convertValidatorErrors(err)...)
		}
	}

	if len(parsed.Errors) == 0 {
		p.checkReferences(def, parsed)
	}

	if len(parsed.Errors) == 0 {
		parsed.Definition = def
	}

	return parsed, nil
}

// extractProjects decodes the projects list or map.
func (p *Parser) extractProjects(val cue.Value, def *Definition, parsed *ParsedSuite) {
	projectsVal := val.LookupPath(cue.ParsePath("projects"))
	if !projectsVal.Exists() {
		return
	}

	if projectsVal.Kind() == cue.StructKind {
		iter, err := projectsVal.Fields(cue.All())
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "projects",
				Message:  fmt.Sprintf("failed to iterate projects: %v", err),
				Severity: "error",
			})
			return
		}
		for iter.Next() {
			var project ProjectConfig
			if err := iter.Value().Decode(&project); err != nil {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path:     fmt.Sprintf("projects.%s", iter.Selector()),
					Message:  err.Error(),
					Severity: "error",
				})
				continue
			}
			// The map key doubles as the project ID.
			if project.ID == "" {
				project.ID = strings.Trim(iter.Selector().String(), `"`)
			}
			def.Projects = append(def.Projects, project)
		}
		return
	}

	if err := projectsVal.Decode(&def.Projects); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "projects",
			Message:  fmt.Sprintf("failed to decode projects: %v", err),
			Severity: "error",
		})
	}
}

// extractScenarios decodes the scenarios list or map.
func (p *Parser) extractScenarios(val cue.Value, def *Definition, parsed *ParsedSuite) {
	scenariosVal := val.LookupPath(cue.ParsePath("scenarios"))
	if !scenariosVal.Exists() {
		return
	}

	if scenariosVal.Kind() == cue.StructKind {
		iter, err := scenariosVal.Fields(cue.All())
		if err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     "scenarios",
				Message:  fmt.Sprintf("failed to iterate scenarios: %v", err),
				Severity: "error",
			})
			return
		}
		for iter.Next() {
			var scenario ScenarioConfig
			if err := iter.Value().Decode(&scenario); err != nil {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path:     fmt.Sprintf("scenarios.%s", iter.Selector()),
					Message:  err.Error(),
					Severity: "error",
				})
				continue
			}
			if scenario.ID == "" {
				scenario.ID = strings.Trim(iter.Selector().String(), `"`)
			}
			def.Scenarios = append(def.Scenarios, scenario)
		}
		return
	}

	if err := scenariosVal.Decode(&def.Scenarios); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "scenarios",
			Message:  fmt.Sprintf("failed to decode scenarios: %v", err),
			Severity: "error",
		})
	}
}

// extractSettings decodes the optional execution, breaker, and compliance blocks.
func (p *Parser) extractSettings(val cue.Value, def *Definition, parsed *ParsedSuite) {
	decode := func(path string, target interface{}) {
		v := val.LookupPath(cue.ParsePath(path))
		if !v.Exists() {
			return
		}
		if err := v.Decode(target); err != nil {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("failed to decode %s: %v", path, err),
				Severity: "error",
			})
		}
	}

	var execution ExecutionSettings
	if val.LookupPath(cue.ParsePath("execution")).Exists() {
		decode("execution", &execution)
		def.Execution = &execution
	}

	var breaker BreakerConfig
	if val.LookupPath(cue.ParsePath("breaker")).Exists() {
		decode("breaker", &breaker)
		def.Breaker = &breaker
	}

	var compliance ComplianceConfig
	if val.LookupPath(cue.ParsePath("compliance")).Exists() {
		decode("compliance", &compliance)
		def.Compliance = &compliance
	}
}

// checkReferences verifies scenario project references and duration fields.
func (p *Parser) checkReferences(def *Definition, parsed *ParsedSuite) {
	projectIDs := make(map[string]bool, len(def.Projects))
	for _, project := range def.Projects {
		if projectIDs[project.ID] {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     fmt.Sprintf("projects.%s", project.ID),
				Message:  fmt.Sprintf("duplicate project ID: %s", project.ID),
				Severity: "error",
			})
		}
		projectIDs[project.ID] = true
	}

	scenarioIDs := make(map[string]bool, len(def.Scenarios))
	for _, scenario := range def.Scenarios {
		if scenarioIDs[scenario.ID] {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     fmt.Sprintf("scenarios.%s", scenario.ID),
				Message:  fmt.Sprintf("duplicate scenario ID: %s", scenario.ID),
				Severity: "error",
			})
		}
		scenarioIDs[scenario.ID] = true

		if !projectIDs[scenario.Project] {
			parsed.Errors = append(parsed.Errors, ValidationError{
				Path:     fmt.Sprintf("scenarios.%s.project", scenario.ID),
				Message:  fmt.Sprintf("unknown project: %s", scenario.Project),
				Severity: "error",
			})
		}

		stepIDs := make(map[string]bool, len(scenario.Steps))
		for _, step := range scenario.Steps {
			if stepIDs[step.ID] {
				parsed.Errors = append(parsed.Errors, ValidationError{
					Path:     fmt.Sprintf("scenarios.%s.steps.%s", scenario.ID, step.ID),
					Message:  fmt.Sprintf("duplicate step ID: %s", step.ID),
					Severity: "error",
				})
			}
			stepIDs[step.ID] = true

			if step.Timeout != "" {
				if _, err := time.ParseDuration(step.Timeout); err != nil {
					parsed.Errors = append(parsed.Errors, ValidationError{
						Path:     fmt.Sprintf("scenarios.%s.steps.%s.timeout", scenario.ID, step.ID),
						Message:  fmt.Sprintf("invalid timeout: %v", err),
						Severity: "error",
					})
				}
			}

			// Assertion scripts must at least compile.
			if step.Assert != "" {
				if err := p.evaluator.Check(step.Assert); err != nil {
					parsed.Errors = append(parsed.Errors, ValidationError{
						Path:     fmt.Sprintf("scenarios.%s.steps.%s.assert", scenario.ID, step.ID),
						Message:  fmt.Sprintf("invalid assertion script: %v", err),
						Severity: "error",
					})
				}
			}
		}

		for _, step := range scenario.Steps {
			for _, dep := range step.DependsOn {
				if !stepIDs[dep.Step] {
					parsed.Errors = append(parsed.Errors, ValidationError{
						Path:     fmt.Sprintf("scenarios.%s.steps.%s.depends_on", scenario.ID, step.ID),
						Message:  fmt.Sprintf("unknown step: %s", dep.Step),
						Severity: "error",
					})
				}
			}
		}
	}
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func (p *Parser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

// convertValidatorErrors converts struct tag validation errors.
func (p *Parser) convertValidatorErrors(err error) []ValidationError {
	var fieldErrors validator.ValidationErrors
	if !stderrors.As(err, &fieldErrors) {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}

	converted := make([]ValidationError, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		converted = append(converted, ValidationError{
			Path:     fe.Namespace(),
			Message:  fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag()),
			Severity: "error",
		})
	}
	return converted
}

// Evaluator returns the Starlark evaluator used for step assertions.
func (p *Parser) Evaluator() *StarlarkEvaluator {
	return p.evaluator
}

// SchemaRegistry returns the schema registry.
func (p *Parser) SchemaRegistry() *SchemaRegistry {
	return p.schemaRegistry
}

// ExportJSON exports a parsed definition to indented JSON.
func (p *Parser) ExportJSON(def *Definition) ([]byte, error) {
	return json.MarshalIndent(def, "", "  ")
}

// DiscoverSources finds all CUE files under a directory.
func DiscoverSources(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(path, ".cue") {
			files = append(files, path)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return files, nil
}
