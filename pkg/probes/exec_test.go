package probes

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

func execUnit(t *testing.T, params ExecParams) *engine.CheckUnit {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	unit := testUnit(engine.StepKindExec)
	unit.Params = raw
	return unit
}

func TestExecProber_Execute_Success(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{Command: "echo", Args: []string{"hello"}})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != engine.UnitStatusPassed {
		t.Errorf("Expected passed, got %s", result.Status)
	}

	var output ExecOutput
	if err := json.Unmarshal(result.Output, &output); err != nil {
		t.Fatalf("Unmarshal output failed: %v", err)
	}
	if output.ExitCode != 0 {
		t.Errorf("Expected exit 0, got %d", output.ExitCode)
	}
	if !strings.Contains(output.Stdout, "hello") {
		t.Errorf("Expected stdout to contain hello, got %q", output.Stdout)
	}
}

func TestExecProber_Execute_NonZeroExit(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{Command: "false"})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for non-zero exit")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
	if result.Status != engine.UnitStatusFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
}

func TestExecProber_Execute_ExpectedNonZeroExit(t *testing.T) {
	one := 1
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{Command: "false", ExpectExitCode: &one})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != engine.UnitStatusPassed {
		t.Errorf("Expected passed for expected exit code, got %s", result.Status)
	}
}

func TestExecProber_Execute_ExpectOutputMatch(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{
		Command:      "echo",
		Args:         []string{"version 1.4.2"},
		ExpectOutput: `version \d+\.\d+\.\d+`,
	})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != engine.UnitStatusPassed {
		t.Errorf("Expected passed for matching stdout, got %s", result.Status)
	}
}

func TestExecProber_Execute_ExpectOutputMismatch(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{
		Command:      "echo",
		Args:         []string{"build broken"},
		ExpectOutput: `all \d+ tests passed`,
	})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for unmatched stdout")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
	if result.Status != engine.UnitStatusFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
}

func TestExecProber_Execute_InvalidExpectOutput(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{Command: "echo", ExpectOutput: "(["})

	_, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for invalid pattern")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent validation error, got: %v", err)
	}
}

func TestExecProber_Execute_MissingCommand(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{})

	if _, err := prober.Execute(context.Background(), nil, unit); err == nil {
		t.Fatal("Expected error for missing command")
	}
}

func TestExecProber_Execute_CommandNotFound(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{Command: "gauntlet-does-not-exist-4242"})

	_, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for missing binary")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
}

func TestExecProber_Execute_Timeout(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{Command: "sleep", Args: []string{"5"}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := prober.Execute(ctx, nil, unit)
	if err == nil {
		t.Fatal("Expected timeout error")
	}
	if !engine.IsTransient(err) {
		t.Errorf("Expected transient timeout error, got: %v", err)
	}
}

func TestExecProber_Execute_ProjectPathAsWorkingDir(t *testing.T) {
	dir := t.TempDir()
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{Command: "pwd"})
	project := &engine.Project{ID: "p", Path: dir}

	result, err := prober.Execute(context.Background(), project, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var output ExecOutput
	if err := json.Unmarshal(result.Output, &output); err != nil {
		t.Fatalf("Unmarshal output failed: %v", err)
	}
	if !strings.Contains(output.Stdout, dir) {
		t.Errorf("Expected pwd output %q to contain %q", output.Stdout, dir)
	}
}

func TestExecProber_Execute_Stdin(t *testing.T) {
	prober := NewExecProber(zerolog.Nop())
	unit := execUnit(t, ExecParams{Command: "cat", Stdin: "piped input"})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var output ExecOutput
	if err := json.Unmarshal(result.Output, &output); err != nil {
		t.Fatalf("Unmarshal output failed: %v", err)
	}
	if output.Stdout != "piped input" {
		t.Errorf("Expected stdin echoed back, got %q", output.Stdout)
	}
}
