package logging

import (
	"context"
	"log/slog"

	"harvest/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID identifies one batch run or one import.
	FieldRunID = "run_id"
	// FieldStage is the standardized structured logging key for import stage names.
	FieldStage = "stage"
	// FieldItemLabel is the label of the work item in flight.
	FieldItemLabel = "item_label"
	// FieldContextID identifies an execution context.
	FieldContextID = "context_id"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorKind carries services.Kind for failures.
	FieldErrorKind = "error_kind"
	// FieldErrorHint tells the operator what to try next.
	FieldErrorHint = "error_hint"
	FieldLock      = "lock"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if id, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if label, ok := services.ItemLabelFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldItemLabel, label))
	}
	if id, ok := services.ContextIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldContextID, id))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
