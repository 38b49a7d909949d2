package ssh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// SSHParams is the configuration for an ssh step.
type SSHParams struct {
	// Command is the remote command to run.
	Command string `json:"command"`

	// ExpectExitCode is the exit code that counts as success. Defaults to 0.
	ExpectExitCode *int `json:"expect_exit_code,omitempty"`

	// FetchArtifacts pulls the target's artifact directory after the
	// command completes.
	FetchArtifacts bool `json:"fetch_artifacts,omitempty"`

	// ArtifactDest is the local directory artifacts are fetched into.
	ArtifactDest string `json:"artifact_dest,omitempty"`
}

// SSHOutput is the structured output of an ssh probe.
type SSHOutput struct {
	Host          string `json:"host"`
	Command       string `json:"command"`
	ExitCode      int    `json:"exit_code"`
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	DurationMS    int64  `json:"duration_ms"`
	ArtifactFiles int    `json:"artifact_files,omitempty"`
	ArtifactBytes int64  `json:"artifact_bytes,omitempty"`
}

// Dialer produces a connected-or-connectable transport for a target.
// Injectable so tests can substitute a fake transport.
type Dialer func(target *engine.RemoteTarget) (Transport, error)

// SSHProber executes commands on remote projects.
type SSHProber struct {
	dial   Dialer
	logger zerolog.Logger
}

// NewSSHProber creates an ssh prober. A nil dialer uses key-based
// authentication with the target's defaults.
func NewSSHProber(dial Dialer, logger zerolog.Logger) *SSHProber {
	probeLogger := logger.With().Str("prober", "ssh").Logger()
	if dial == nil {
		dial = func(target *engine.RemoteTarget) (Transport, error) {
			return NewSSHClient(FromRemoteTarget(target), probeLogger)
		}
	}
	return &SSHProber{
		dial:   dial,
		logger: probeLogger,
	}
}

// Kind returns the step kind this prober handles.
func (p *SSHProber) Kind() engine.StepKind {
	return engine.StepKindSSH
}

// Execute connects to the project's remote target, runs the command,
// and optionally fetches its artifact directory.
func (p *SSHProber) Execute(ctx context.Context, project *engine.Project, unit *engine.CheckUnit) (*engine.StepResult, error) {
	var params SSHParams
	if err := json.Unmarshal(unit.Params, &params); err != nil {
		checkErr := engine.NewPermanentError("invalid ssh params", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return p.failedResult(unit, checkErr), checkErr
	}
	if params.Command == "" {
		checkErr := engine.NewPermanentError("ssh params missing command", nil).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return p.failedResult(unit, checkErr), checkErr
	}
	if project == nil || project.Remote == nil {
		checkErr := engine.NewPermanentError("project has no remote target", nil).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID).
			WithProject(unit.ProjectID)
		return p.failedResult(unit, checkErr), checkErr
	}

	transport, err := p.dial(project.Remote)
	if err != nil {
		checkErr := engine.NewPermanentError("failed to create ssh transport", err).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
		return p.failedResult(unit, checkErr), checkErr
	}

	if err := transport.Connect(ctx); err != nil {
		checkErr := p.classifyTransportError("failed to connect", err, unit)
		return p.failedResult(unit, checkErr), checkErr
	}
	defer func() {
		if err := transport.Disconnect(); err != nil {
			p.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("failed to disconnect")
		}
	}()

	started := time.Now()
	execResult, err := transport.ExecuteCommand(ctx, params.Command)
	completed := time.Now()

	result := &engine.StepResult{
		UnitID:      unit.ID,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
	}

	if err != nil {
		checkErr := p.classifyTransportError("remote command failed", err, unit)
		if ctx.Err() != nil {
			checkErr = engine.NewTransientError("remote command timed out", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithUnit(unit.ID)
		}
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	output := SSHOutput{
		Host:       project.Remote.Host,
		Command:    params.Command,
		ExitCode:   execResult.ExitCode,
		Stdout:     execResult.Stdout,
		Stderr:     execResult.Stderr,
		DurationMS: execResult.Duration.Milliseconds(),
	}

	if params.FetchArtifacts && project.Remote.ArtifactDir != "" {
		dest := params.ArtifactDest
		if dest == "" {
			dest = "artifacts/" + unit.ProjectID
		}
		transfer, err := transport.FetchArtifacts(ctx, project.Remote.ArtifactDir, dest)
		if err != nil {
			checkErr := p.classifyTransportError("failed to fetch artifacts", err, unit)
			result.Output = marshalOutput(output)
			result.Status = engine.UnitStatusFailed
			result.Error = checkErr
			return result, checkErr
		}
		output.ArtifactFiles = transfer.Files
		output.ArtifactBytes = transfer.BytesTransferred
	}

	result.Output = marshalOutput(output)

	p.logger.Debug().
		Str("unit_id", unit.ID).
		Str("host", project.Remote.Host).
		Int("exit_code", execResult.ExitCode).
		Dur("duration", result.Duration).
		Msg("ssh probe completed")

	expected := 0
	if params.ExpectExitCode != nil {
		expected = *params.ExpectExitCode
	}
	if execResult.ExitCode != expected {
		checkErr := engine.NewPermanentError(
			fmt.Sprintf("remote command exited %d, expected %d", execResult.ExitCode, expected), nil).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID).
			WithDetail("stderr", execResult.Stderr)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	result.Status = engine.UnitStatusPassed
	return result, nil
}

// classifyTransportError maps transport failures onto error classes:
// temporary transport problems are transient, everything else permanent.
func (p *SSHProber) classifyTransportError(msg string, err error, unit *engine.CheckUnit) *engine.CheckError {
	var te *TransportError
	if errors.As(err, &te) && te.IsTemporary {
		return engine.NewTransientError(msg, err).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
	}
	return engine.NewPermanentError(msg, err).
		WithCode(engine.ErrCodeProbeFailed).
		WithUnit(unit.ID)
}

// failedResult builds a minimal failed result for dispatch errors.
func (p *SSHProber) failedResult(unit *engine.CheckUnit, err *engine.CheckError) *engine.StepResult {
	now := time.Now()
	return &engine.StepResult{
		UnitID:      unit.ID,
		Status:      engine.UnitStatusFailed,
		StartedAt:   now,
		CompletedAt: now,
		Error:       err,
	}
}

// marshalOutput encodes probe output, falling back to a raw string on
// marshal failure so a result is never silently dropped.
func marshalOutput(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return raw
}
