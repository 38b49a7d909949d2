package probes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// maxCaptureBytes caps captured stdout/stderr per stream.
const maxCaptureBytes = 64 * 1024

// ExecParams is the configuration for an exec step.
type ExecParams struct {
	// Command is the program to run.
	Command string `json:"command"`

	// Args are the program arguments.
	Args []string `json:"args,omitempty"`

	// Dir is the working directory. Defaults to the project path.
	Dir string `json:"dir,omitempty"`

	// Env holds additional environment variables.
	Env map[string]string `json:"env,omitempty"`

	// Stdin is written to the program's standard input.
	Stdin string `json:"stdin,omitempty"`

	// ExpectExitCode is the exit code that counts as success. Defaults to 0.
	ExpectExitCode *int `json:"expect_exit_code,omitempty"`

	// ExpectOutput is a regular expression that must match stdout.
	ExpectOutput string `json:"expect_output,omitempty"`
}

// ExecOutput is the structured output of an exec probe.
type ExecOutput struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// ExecProber runs local commands against a project checkout.
type ExecProber struct {
	logger zerolog.Logger
}

// NewExecProber creates an exec prober.
func NewExecProber(logger zerolog.Logger) *ExecProber {
	return &ExecProber{
		logger: logger.With().Str("prober", "exec").Logger(),
	}
}

// Kind returns the step kind this prober handles.
func (p *ExecProber) Kind() engine.StepKind {
	return engine.StepKindExec
}

// Execute runs the configured command and captures its output.
func (p *ExecProber) Execute(ctx context.Context, project *engine.Project, unit *engine.CheckUnit) (*engine.StepResult, error) {
	var params ExecParams
	if err := json.Unmarshal(unit.Params, &params); err != nil {
		checkErr := engine.NewPermanentError("invalid exec params", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return failedResult(unit, checkErr), checkErr
	}
	if params.Command == "" {
		checkErr := engine.NewPermanentError("exec params missing command", nil).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return failedResult(unit, checkErr), checkErr
	}

	var outputPattern *regexp.Regexp
	if params.ExpectOutput != "" {
		pattern, err := regexp.Compile(params.ExpectOutput)
		if err != nil {
			checkErr := engine.NewPermanentError("invalid expect_output pattern", err).
				WithCode(engine.ErrCodeValidation).
				WithUnit(unit.ID)
			return failedResult(unit, checkErr), checkErr
		}
		outputPattern = pattern
	}

	dir := params.Dir
	if dir == "" && project != nil {
		dir = project.Path
	}

	cmd := exec.CommandContext(ctx, params.Command, params.Args...)
	cmd.Dir = dir
	if params.Stdin != "" {
		cmd.Stdin = bytes.NewBufferString(params.Stdin)
	}
	if len(params.Env) > 0 {
		cmd.Env = mergedEnv(params.Env)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	completed := time.Now()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	outText, outTrunc := truncate(stdout.String(), maxCaptureBytes)
	errText, errTrunc := truncate(stderr.String(), maxCaptureBytes)

	output := ExecOutput{
		Command:    params.Command,
		ExitCode:   exitCode,
		Stdout:     outText,
		Stderr:     errText,
		DurationMS: completed.Sub(started).Milliseconds(),
		Truncated:  outTrunc || errTrunc,
	}

	result := &engine.StepResult{
		UnitID:      unit.ID,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Output:      marshalOutput(output),
	}

	p.logger.Debug().
		Str("unit_id", unit.ID).
		Str("command", params.Command).
		Int("exit_code", exitCode).
		Dur("duration", result.Duration).
		Msg("exec probe completed")

	if ctx.Err() != nil {
		checkErr := engine.NewTransientError("command timed out", ctx.Err()).
			WithCode(engine.ErrCodeTimeout).
			WithUnit(unit.ID)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	if runErr != nil && exitCode == -1 {
		// The process never ran (binary missing, permission denied).
		checkErr := engine.NewPermanentError("failed to start command", runErr).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	expected := 0
	if params.ExpectExitCode != nil {
		expected = *params.ExpectExitCode
	}
	if exitCode != expected {
		checkErr := engine.NewPermanentError(
			fmt.Sprintf("command exited %d, expected %d", exitCode, expected), runErr).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID).
			WithDetail("stderr", errText)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	if outputPattern != nil && !outputPattern.MatchString(outText) {
		checkErr := engine.NewPermanentError(
			fmt.Sprintf("stdout did not match %q", params.ExpectOutput), nil).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID).
			WithDetail("stdout", outText)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	result.Status = engine.UnitStatusPassed
	return result, nil
}

// mergedEnv appends the configured variables to the inherited environment
// in deterministic order. Later entries win on duplicate keys.
func mergedEnv(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// truncate limits a string to n bytes.
func truncate(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	return s[:n], true
}
