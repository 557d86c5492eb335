// Package telemetry sets up OpenTelemetry tracing and metrics.
//
// New returns a Telemetry whose Tracer and Meter methods fall back to the
// global no-op providers when telemetry is disabled or an exporter could not
// be created. Telemetry never fails a run; it degrades.
//
// Tests use NewTestTelemetry, which records spans in memory and exposes a
// manual metric reader.
package telemetry
