package suite

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate_Basic(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)

	result, err := se.Evaluate(context.Background(), `total = x + y`, map[string]interface{}{
		"x": int64(2),
		"y": int64(3),
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if result.Output["total"] != int64(5) {
		t.Errorf("Expected total=5, got %v", result.Output["total"])
	}
}

func TestStarlarkEvaluator_Evaluate_HidesUnderscoreGlobals(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)

	result, err := se.Evaluate(context.Background(), "_secret = 1\nvisible = 2", nil)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if _, found := result.Output["_secret"]; found {
		t.Error("Expected underscore globals to be hidden")
	}
	if result.Output["visible"] != int64(2) {
		t.Errorf("Expected visible=2, got %v", result.Output["visible"])
	}
}

func TestStarlarkEvaluator_Evaluate_ScriptError(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)

	_, err := se.Evaluate(context.Background(), `x = undefined_name`, nil)
	if err == nil {
		t.Fatal("Expected error for undefined name")
	}
}

func TestStarlarkEvaluator_Check(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)

	if err := se.Check(`ok = result["status"] == 200`); err != nil {
		t.Errorf("Expected valid script, got: %v", err)
	}
	if err := se.Check(`ok = ((((`); err == nil {
		t.Error("Expected parse error for unbalanced parens")
	}
}

func TestStarlarkEvaluator_Assert_Pass(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)
	output := json.RawMessage(`{"status": 200, "items": [1, 2, 3]}`)

	script := `
ok = result["status"] == 200 and len(result["items"]) == 3
`
	ok, msg, err := se.Assert(context.Background(), script, output)
	if err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if !ok {
		t.Errorf("Expected assertion to pass, msg: %s", msg)
	}
}

func TestStarlarkEvaluator_Assert_FailWithMessage(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)
	output := json.RawMessage(`{"status": 503}`)

	script := `
ok = result["status"] == 200
msg = "unexpected status %d" % result["status"]
`
	ok, msg, err := se.Assert(context.Background(), script, output)
	if err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if ok {
		t.Error("Expected assertion to fail")
	}
	if msg != "unexpected status 503" {
		t.Errorf("Unexpected message: %q", msg)
	}
}

func TestStarlarkEvaluator_Assert_MissingOK(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)

	if _, _, err := se.Assert(context.Background(), `x = 1`, nil); err == nil {
		t.Fatal("Expected error when script does not set ok")
	}
}

func TestStarlarkEvaluator_Assert_NonBoolOK(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)

	if _, _, err := se.Assert(context.Background(), `ok = "yes"`, nil); err == nil {
		t.Fatal("Expected error for non-boolean ok")
	}
}

func TestStarlarkEvaluator_Assert_EmptyOutput(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)

	// With no probe output, result is bound to None.
	ok, _, err := se.Assert(context.Background(), `ok = result == None`, nil)
	if err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if !ok {
		t.Error("Expected result to be None for empty output")
	}
}

func TestStarlarkEvaluator_Assert_InvalidJSON(t *testing.T) {
	se := NewStarlarkEvaluator(5 * time.Second)

	if _, _, err := se.Assert(context.Background(), `ok = True`, json.RawMessage(`{broken`)); err == nil {
		t.Fatal("Expected error for invalid JSON output")
	}
}
