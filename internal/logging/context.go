package logging

import (
	"context"
	"log/slog"

	"retrain/internal/services"
)

const (
	FieldComponent     = "component"
	FieldEventType     = "event_type"
	FieldErrorHint     = "error_hint"
	FieldImpact        = "impact"
	FieldAlert         = "alert"
	FieldJobID         = "job_id"
	FieldSubject       = "subject"
	FieldVariant       = "variant"
	FieldCorrelationID = "correlation_id"
	FieldPriority      = "priority"
	FieldAttempt       = "attempt"
	FieldPath          = "path"
)

// ContextFields extracts structured logging attributes stored on ctx by the
// services helpers.
func ContextFields(ctx context.Context) []Attr {
	if ctx == nil {
		return nil
	}
	attrs := make([]Attr, 0, 4)
	if id, ok := services.JobIDFromContext(ctx); ok {
		attrs = append(attrs, String(FieldJobID, id))
	}
	if subject, ok := services.SubjectFromContext(ctx); ok {
		attrs = append(attrs, String(FieldSubject, subject))
	}
	if variant, ok := services.VariantFromContext(ctx); ok {
		attrs = append(attrs, String(FieldVariant, variant))
	}
	if requestID, ok := services.RequestIDFromContext(ctx); ok {
		attrs = append(attrs, String(FieldCorrelationID, requestID))
	}
	return attrs
}

// WithContext returns a logger enriched with the job and request fields found
// on ctx. The original logger is returned unchanged when ctx carries nothing.
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
