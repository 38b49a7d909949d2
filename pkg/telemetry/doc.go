// Package telemetry provides unified observability for the Gauntlet engine:
// structured logging (zerolog), distributed tracing (OpenTelemetry),
// Prometheus metrics, and an in-process event bus.
//
// The four components are wired together through the Telemetry aggregate,
// which travels on the context. Helpers such as WithRunContext and
// WithUnitContext start spans, enrich loggers, and publish lifecycle
// events in one call, so the scheduler and probes stay free of
// instrumentation boilerplate.
//
// Typical usage:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx = tel.WithContext(ctx)
//	ctx = telemetry.WithRunContext(ctx, runID, suiteName)
//	defer telemetry.EndRunContext(ctx, runID, status, err)
package telemetry
