package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// WASMParams is the configuration for a wasm step.
type WASMParams struct {
	// Plugin is the plugin name to execute.
	Plugin string `json:"plugin"`

	// Version is the plugin version constraint. Defaults to latest.
	Version string `json:"version,omitempty"`

	// Input is passed through to the plugin's check function.
	Input json.RawMessage `json:"input,omitempty"`
}

// CheckRequest is the JSON document handed to a plugin check.
type CheckRequest struct {
	UnitID      string          `json:"unit_id"`
	ProjectID   string          `json:"project_id"`
	ProjectPath string          `json:"project_path,omitempty"`
	BaseURL     string          `json:"base_url,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// CheckResponse is the JSON document a plugin check returns.
type CheckResponse struct {
	Passed  bool            `json:"passed"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// WASMProber executes wasm plugin checks.
type WASMProber struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewWASMProber creates a wasm prober backed by a plugin registry.
func NewWASMProber(registry *Registry, logger zerolog.Logger) *WASMProber {
	return &WASMProber{
		registry: registry,
		logger:   logger.With().Str("prober", "wasm").Logger(),
	}
}

// Kind returns the step kind this prober handles.
func (p *WASMProber) Kind() engine.StepKind {
	return engine.StepKindWASM
}

// Execute resolves the plugin and invokes its check export.
func (p *WASMProber) Execute(ctx context.Context, project *engine.Project, unit *engine.CheckUnit) (*engine.StepResult, error) {
	var params WASMParams
	if err := json.Unmarshal(unit.Params, &params); err != nil {
		checkErr := engine.NewPermanentError("invalid wasm params", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return p.failedResult(unit, checkErr), checkErr
	}
	if params.Plugin == "" {
		checkErr := engine.NewPermanentError("wasm params missing plugin", nil).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return p.failedResult(unit, checkErr), checkErr
	}

	module, err := p.registry.Get(ctx, params.Plugin, params.Version)
	if err != nil {
		checkErr := engine.NewPermanentError(
			fmt.Sprintf("failed to load plugin %s", params.Plugin), err).
			WithCode(engine.ErrCodeNotFound).
			WithUnit(unit.ID)
		return p.failedResult(unit, checkErr), checkErr
	}

	request := CheckRequest{
		UnitID:    unit.ID,
		ProjectID: unit.ProjectID,
		Input:     params.Input,
	}
	if project != nil {
		request.ProjectPath = project.Path
		request.BaseURL = project.BaseURL
	}

	reqJSON, err := json.Marshal(request)
	if err != nil {
		checkErr := engine.NewPermanentError("failed to marshal check request", err).
			WithCode(engine.ErrCodeInternal).
			WithUnit(unit.ID)
		return p.failedResult(unit, checkErr), checkErr
	}

	started := time.Now()
	respJSON, err := module.Check(ctx, reqJSON)
	completed := time.Now()

	result := &engine.StepResult{
		UnitID:      unit.ID,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Output:      respJSON,
	}

	if err != nil {
		var checkErr *engine.CheckError
		if ctx.Err() != nil {
			checkErr = engine.NewTransientError("plugin check timed out", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithUnit(unit.ID)
		} else {
			checkErr = engine.NewPermanentError("plugin check failed", err).
				WithCode(engine.ErrCodeProbeFailed).
				WithUnit(unit.ID)
		}
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	var resp CheckResponse
	if err := json.Unmarshal(respJSON, &resp); err != nil {
		checkErr := engine.NewPermanentError("plugin returned malformed response", err).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	p.logger.Debug().
		Str("unit_id", unit.ID).
		Str("plugin", params.Plugin).
		Bool("passed", resp.Passed).
		Dur("duration", result.Duration).
		Msg("wasm probe completed")

	if resp.Error != "" {
		checkErr := engine.NewPermanentError(resp.Error, nil).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	if !resp.Passed {
		checkErr := engine.NewPermanentError(failureMessage(resp.Message), nil).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	result.Status = engine.UnitStatusPassed
	return result, nil
}

// failedResult builds a minimal failed result for dispatch errors.
func (p *WASMProber) failedResult(unit *engine.CheckUnit, err *engine.CheckError) *engine.StepResult {
	now := time.Now()
	return &engine.StepResult{
		UnitID:      unit.ID,
		Status:      engine.UnitStatusFailed,
		StartedAt:   now,
		CompletedAt: now,
		Error:       err,
	}
}

// failureMessage normalizes an empty plugin message.
func failureMessage(msg string) string {
	if msg == "" {
		return "plugin check did not pass"
	}
	return msg
}
