package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func recordingTracer() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestInitTracing_Disabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	assert.NotNil(t, tp.Tracer(), "expected non-nil tracer even when disabled")
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "memoryrouter", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestStartProviderSpan_SetsAttributes(t *testing.T) {
	rec, tp := recordingTracer()

	_, span := StartProviderSpan(context.Background(), tp.Tracer(TracerName), "provider.chat_completion", ProviderSpanAttributes{
		Provider:  "openai",
		Model:     "gpt-4o",
		MaxTokens: 1000,
		MemoryKey: "user-1",
	})
	RecordProviderResponse(span, 100, 50, "stop")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "openai", attrs["gen_ai.system"].AsString())
	assert.Equal(t, "gpt-4o", attrs["gen_ai.request.model"].AsString())
	assert.Equal(t, "user-1", attrs["memory.key"].AsString())
	assert.Equal(t, int64(1000), attrs["gen_ai.request.max_tokens"].AsInt64())
	assert.Equal(t, int64(50), attrs["gen_ai.usage.output_tokens"].AsInt64())
	assert.Equal(t, "stop", attrs["gen_ai.response.finish_reason"].AsString())
}

func TestRecordRetrieval(t *testing.T) {
	rec, tp := recordingTracer()

	_, span := tp.Tracer(TracerName).Start(context.Background(), "memory.retrieve")
	RecordRetrieval(span, 120, 3, true)
	span.End()

	attrs := attrMap(rec.Ended()[0].Attributes())
	assert.Equal(t, int64(120), attrs["memory.tokens_retrieved"].AsInt64())
	assert.Equal(t, int64(3), attrs["memory.chunks_retrieved"].AsInt64())
	assert.True(t, attrs["memory.degraded"].AsBool())
}

func TestRecordError_MarksSpanFailed(t *testing.T) {
	rec, tp := recordingTracer()

	_, span := tp.Tracer(TracerName).Start(context.Background(), "test")
	RecordError(span, errors.New("upstream exploded"))
	span.End()

	s := rec.Ended()[0]
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Equal(t, "upstream exploded", s.Status().Description)
	require.Len(t, s.Events(), 1)
	assert.Equal(t, "exception", s.Events()[0].Name)
}

func TestTracerProvider_Shutdown(t *testing.T) {
	tp := &TracerProvider{
		tracer: noop.NewTracerProvider().Tracer("test"),
	}
	assert.NoError(t, tp.Shutdown(context.Background()), "shutdown should not error with nil provider")
}
