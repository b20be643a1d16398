package common

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"settlex.com/pkg/logger"
)

func New() string { return uuid.NewString() }

// WithTraceID 没有采样的 span 时补一个 id，同一个 tick 的日志能串起来
func WithTraceID(ctx context.Context) context.Context {
	if trace.SpanContextFromContext(ctx).HasTraceID() {
		return ctx
	}
	if id, ok := ctx.Value(logger.TraceIdKey).(string); ok && id != "" {
		return ctx
	}
	return context.WithValue(ctx, logger.TraceIdKey, New())
}
