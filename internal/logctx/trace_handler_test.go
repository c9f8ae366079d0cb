package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	return slog.New(handler), &buf
}

func parseLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

// spanTracer mints spans with a fixed, valid span context so trace injection
// can be asserted without a real trace provider.
type spanTracer struct {
	trace.Tracer
}

type fixedSpan struct {
	trace.Span
	spanContext trace.SpanContext
}

func (s *fixedSpan) SpanContext() trace.SpanContext { return s.spanContext }

func (s *fixedSpan) End(...trace.SpanEndOption) {}

func (spanTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")

	span := &fixedSpan{spanContext: trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	})}

	return trace.ContextWithSpan(ctx, span), span
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	logger, buf := newTestLogger()

	logger.InfoContext(context.Background(), "test message", "key", "value")

	entry := parseLogLine(t, buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestTraceHandler_InjectsTraceFields(t *testing.T) {
	logger, buf := newTestLogger()

	ctx, span := spanTracer{}.Start(context.Background(), "test-span")
	defer span.End()

	logger.InfoContext(ctx, "test message", "key", "value")

	entry := parseLogLine(t, buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
	assert.Equal(t, "test message", entry["msg"])
}

func TestTraceHandler_Enabled(t *testing.T) {
	handler := NewTraceHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx := context.Background()

	assert.False(t, handler.Enabled(ctx, slog.LevelInfo))
	assert.True(t, handler.Enabled(ctx, slog.LevelWarn))
	assert.True(t, handler.Enabled(ctx, slog.LevelError))
}

func TestTraceHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	withAttrs := handler.WithAttrs([]slog.Attr{slog.String("component", "gateway")})
	require.IsType(t, &TraceHandler{}, withAttrs)

	slog.New(withAttrs).InfoContext(context.Background(), "test")

	entry := parseLogLine(t, &buf)
	assert.Equal(t, "gateway", entry["component"])
}

func TestTraceHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{}))

	withGroup := handler.WithGroup("request")
	require.IsType(t, &TraceHandler{}, withGroup)

	slog.New(withGroup).InfoContext(context.Background(), "test", "key", "value")

	entry := parseLogLine(t, &buf)
	group, ok := entry["request"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "value", group["key"])
}

func TestTraceHandler_NilHandler(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}
