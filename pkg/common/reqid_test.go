package common

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"settlex.com/pkg/logger"
)

func TestWithTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background())
	id, _ := ctx.Value(logger.TraceIdKey).(string)
	assert.Len(t, id, 36)

	// 已有的不覆盖
	assert.Equal(t, id, WithTraceID(ctx).Value(logger.TraceIdKey))
}

func TestWithTraceID_SpanWins(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	assert.Nil(t, WithTraceID(ctx).Value(logger.TraceIdKey))
}
