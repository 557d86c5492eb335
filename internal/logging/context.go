package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type runCtxKey struct{}
type planCtxKey struct{}
type stepCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if id := RunIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("run.id", id))
	}
	if id := PlanIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("plan.id", id))
	}
	if id := StepIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("step.id", id))
	}

	return fields
}

// WithRun attaches a run id to the context. Empty ids are ignored.
func WithRun(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext returns the run id attached to ctx, if any.
func RunIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(runCtxKey{}).(string)
	return s
}

// WithPlan attaches a plan id to the context. Empty ids are ignored.
func WithPlan(ctx context.Context, planID string) context.Context {
	if planID == "" {
		return ctx
	}
	return context.WithValue(ctx, planCtxKey{}, planID)
}

// PlanIDFromContext returns the plan id attached to ctx, if any.
func PlanIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(planCtxKey{}).(string)
	return s
}

// WithStep attaches a step id to the context. Empty ids are ignored.
func WithStep(ctx context.Context, stepID string) context.Context {
	if stepID == "" {
		return ctx
	}
	return context.WithValue(ctx, stepCtxKey{}, stepID)
}

// StepIDFromContext returns the step id attached to ctx, if any.
func StepIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stepCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger if absent.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
