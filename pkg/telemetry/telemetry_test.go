package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}

	cfg = DefaultConfig()
	cfg.ServiceName = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for empty service name")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid log level")
	}

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for out-of-range sampling rate")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Exporter = "jaeger"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for unsupported exporter")
	}
}

func TestProductionConfig(t *testing.T) {
	cfg := ProductionConfig()
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected json log format in production, got %s", cfg.Logging.Format)
	}
	if cfg.Tracing.Exporter != "otlp" {
		t.Errorf("Expected otlp exporter in production, got %s", cfg.Tracing.Exporter)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Production config should be valid: %v", err)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// No-op metrics must not panic.
	m.RecordRunStarted("ecosystem-smoke")
	m.RecordRunCompleted("passed", time.Second)
	m.RecordUnitExecution("http", "passed", "arxiv_server", 100*time.Millisecond)
	m.RecordProbeError("exec", "doc_hub")
	m.RecordFinding("honeypot", "critical", "arxiv_server")
	m.RecordBreakerTransition("doc_hub", "open")
}

func TestMetrics_Enabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:   true,
		Namespace: "gauntlet",
	})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordRunStarted("ecosystem-smoke")
	m.RecordUnitExecution("http", "failed", "arxiv_server", 50*time.Millisecond)
	m.RecordUnitRetry("http", "transient")
	m.RecordHoneypotPassed("arxiv_server")
	m.RecordError("transient", "PROBE_FAILED")
	m.RecordRunCompleted("partial", 2*time.Second)

	if m.Handler() == nil {
		t.Error("Expected metrics handler")
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 4)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
	}, nil)

	if err := ep.PublishRunStarted("run-1", "ecosystem-smoke"); err != nil {
		t.Fatalf("PublishRunStarted failed: %v", err)
	}
	if err := ep.PublishHoneypotPassed("run-1", "search_flow/trap", "arxiv_server"); err != nil {
		t.Fatalf("PublishHoneypotPassed failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(received))
	}
	for _, e := range received {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("Expected ID and timestamp set: %+v", e)
		}
	}
}

func TestEventPublisher_Filters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	done := make(chan Event, 4)
	ep.Subscribe(func(e Event) { done <- e }, FilterByLevel(EventLevelError))

	_ = ep.PublishRunStarted("run-1", "suite")
	_ = ep.PublishRunFailed("run-1", "breaker open")

	select {
	case e := <-done:
		if e.Type != EventTypeRunFailed {
			t.Errorf("Expected only error events, got %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for filtered event")
	}

	select {
	case e := <-done:
		t.Errorf("Info event leaked through filter: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	if err := ep.PublishRunStarted("run-1", "suite"); err != nil {
		t.Errorf("Disabled publisher must accept events silently: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Disabled publisher shutdown failed: %v", err)
	}
}

func TestFilterByType(t *testing.T) {
	filter := FilterByType(EventTypeBreakerOpened, EventTypeHealthChanged)
	if !filter(Event{Type: EventTypeBreakerOpened}) {
		t.Error("Expected breaker event to pass filter")
	}
	if filter(Event{Type: EventTypeRunStarted}) {
		t.Error("Expected run event to be filtered")
	}
}

func TestLoggerFields(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	child := logger.WithRunID("run-1").WithProjectID("arxiv_server").WithProbe("http")
	if child == nil {
		t.Fatal("Expected child logger")
	}

	ctx := child.WithContext(context.Background())
	if got := FromContext(ctx); got != child {
		t.Error("Expected logger round-trip through context")
	}
}

func TestTelemetry_DisabledComponents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry round-trip through context")
	}

	// Context helpers must be safe with disabled components.
	runCtx := WithRunContext(ctx, "run-1", "suite")
	EndRunContext(runCtx, "run-1", "passed", nil)

	unitCtx := WithUnitContext(runCtx, "run-1", "s/a", "p", "exec")
	EndUnitContext(unitCtx, "run-1", "s/a", "p", "exec", "passed", nil)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	if timer.Duration() < 10*time.Millisecond {
		t.Errorf("Expected at least 10ms elapsed, got %v", timer.Duration())
	}
}
