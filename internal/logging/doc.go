// Package logging provides structured logging for the orchestration engine.
//
// Logger wraps Zap with context-aware methods. Correlation fields are pulled
// from the context on every call: OpenTelemetry trace and span ids, plus the
// run, plan and step identifiers attached with WithRun, WithPlan and WithStep.
//
//	ctx = logging.WithRun(ctx, manifest.RunID)
//	ctx = logging.WithStep(ctx, step.ID)
//	logger.Info(ctx, "step completed", zap.Int("attempt", attempt))
//
// Output can go to stdout, to an OpenTelemetry log provider, or both.
// Sensitive keys and value patterns are redacted by the encoder. Levels below
// Error are sampled; errors are never dropped.
//
// Use NewTestLogger in tests to assert on emitted entries.
package logging
