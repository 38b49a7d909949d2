package probes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

func httpUnit(t *testing.T, params HTTPParams) *engine.CheckUnit {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	unit := testUnit(engine.StepKindHTTP)
	unit.Params = raw
	return unit
}

func TestHTTPProber_Execute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "healthy"}`))
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	project := &engine.Project{ID: "p", BaseURL: server.URL}
	unit := httpUnit(t, HTTPParams{Path: "/health"})

	result, err := prober.Execute(context.Background(), project, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != engine.UnitStatusPassed {
		t.Errorf("Expected passed, got %s", result.Status)
	}

	var output HTTPOutput
	if err := json.Unmarshal(result.Output, &output); err != nil {
		t.Fatalf("Unmarshal output failed: %v", err)
	}
	if output.Status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", output.Status)
	}
	body, ok := output.Body.(map[string]interface{})
	if !ok || body["status"] != "healthy" {
		t.Errorf("Expected parsed JSON body, got %v", output.Body)
	}
}

func TestHTTPProber_Execute_PostJSONBody(t *testing.T) {
	var gotContentType string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{
		Method: "post",
		URL:    server.URL + "/items",
		Body:   map[string]interface{}{"query": "transformers"},
	})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != engine.UnitStatusPassed {
		t.Errorf("Expected passed, got %s", result.Status)
	}
	if gotContentType != "application/json" {
		t.Errorf("Expected JSON content type, got %q", gotContentType)
	}
	if gotBody["query"] != "transformers" {
		t.Errorf("Unexpected request body: %v", gotBody)
	}
}

func TestHTTPProber_Execute_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{URL: server.URL})

	_, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for 503")
	}
	if !engine.IsTransient(err) {
		t.Errorf("Expected transient error for 5xx, got: %v", err)
	}
}

func TestHTTPProber_Execute_RateLimitIsThrottled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{URL: server.URL})

	_, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for 429")
	}
	if !engine.IsThrottled(err) {
		t.Errorf("Expected throttled error for 429, got: %v", err)
	}
}

func TestHTTPProber_Execute_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{URL: server.URL})

	_, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for 404")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error for 4xx, got: %v", err)
	}
}

func TestHTTPProber_Execute_ExpectStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{URL: server.URL, ExpectStatus: http.StatusUnauthorized})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != engine.UnitStatusPassed {
		t.Errorf("Expected passed for expected 401, got %s", result.Status)
	}
}

func TestHTTPProber_Execute_ExpectBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "healthy", "version": "2.1.0"}`))
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{URL: server.URL, ExpectBody: `"status": "healthy"`})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != engine.UnitStatusPassed {
		t.Errorf("Expected passed for matching body, got %s", result.Status)
	}
}

func TestHTTPProber_Execute_ExpectBodyMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "degraded"}`))
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{URL: server.URL, ExpectBody: "healthy"})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for missing substring")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
	if result.Status != engine.UnitStatusFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
}

func TestHTTPProber_Execute_LatencyBudgetExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{URL: server.URL, MaxLatencyMS: 10})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error for blown latency budget")
	}
	if !engine.IsTransient(err) {
		t.Errorf("Expected transient error so the unit can retry, got: %v", err)
	}
	if result.Status != engine.UnitStatusFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
}

func TestHTTPProber_Execute_LatencyWithinBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{URL: server.URL, MaxLatencyMS: 5000})

	result, err := prober.Execute(context.Background(), nil, unit)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Status != engine.UnitStatusPassed {
		t.Errorf("Expected passed within budget, got %s", result.Status)
	}
}

func TestHTTPProber_Execute_ConnectionRefusedIsTransient(t *testing.T) {
	prober := NewHTTPProber(nil, zerolog.Nop())
	// Reserved port with nothing listening.
	unit := httpUnit(t, HTTPParams{URL: "http://127.0.0.1:1/nope"})

	_, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected connection error")
	}
	if !engine.IsTransient(err) {
		t.Errorf("Expected transient error, got: %v", err)
	}
}

func TestHTTPProber_Execute_NoBaseURL(t *testing.T) {
	prober := NewHTTPProber(nil, zerolog.Nop())
	unit := httpUnit(t, HTTPParams{Path: "/health"})

	_, err := prober.Execute(context.Background(), nil, unit)
	if err == nil {
		t.Fatal("Expected error when no base URL is available")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent validation error, got: %v", err)
	}
}

func TestHTTPProber_ResolveURL(t *testing.T) {
	prober := NewHTTPProber(nil, zerolog.Nop())
	project := &engine.Project{ID: "p", BaseURL: "http://localhost:8080/"}

	url, err := prober.resolveURL(&HTTPParams{Path: "api/search"}, project)
	if err != nil {
		t.Fatalf("resolveURL failed: %v", err)
	}
	if url != "http://localhost:8080/api/search" {
		t.Errorf("Unexpected URL: %s", url)
	}

	url, err = prober.resolveURL(&HTTPParams{URL: "http://other:9000/x"}, project)
	if err != nil {
		t.Fatalf("resolveURL failed: %v", err)
	}
	if url != "http://other:9000/x" {
		t.Errorf("Expected explicit URL to win, got %s", url)
	}
}
