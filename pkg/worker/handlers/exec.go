// Package handlers implements command handlers for the gauntlet worker.
package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/gauntlet-dev/gauntlet/pkg/worker/protocol"
)

// ExecHandler handles probe command execution.
type ExecHandler struct{}

// Handle runs a probe command. A non-zero exit code is reported in the
// result, not as an error, so the controller can apply its own
// expectations.
func (h *ExecHandler) Handle(ctx context.Context, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	var cmd *exec.Cmd
	if len(params.Args) > 0 {
		cmd = exec.CommandContext(ctx, params.Command, params.Args...)
	} else {
		// Without explicit args, run the command through a shell.
		cmd = exec.CommandContext(ctx, shell, "-c", params.Command)
	}

	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}

	// Probe environment variables extend the worker's environment
	// rather than replacing it, so PATH and HOME survive.
	if len(params.Env) > 0 {
		env := os.Environ()
		for k, v := range params.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	if params.CaptureOut {
		cmd.Stdout = &stdout
	}
	if params.CaptureErr {
		cmd.Stderr = &stderr
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start).Seconds()

	result := &protocol.ExecResult{
		Duration: duration,
	}

	if params.CaptureOut {
		result.Stdout = stdout.String()
	}
	if params.CaptureErr {
		result.Stderr = stderr.String()
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	} else {
		result.ExitCode = 0
	}

	return result, nil
}
