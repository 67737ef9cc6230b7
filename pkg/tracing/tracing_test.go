package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "meetline", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceMeeting_RecordsNameAndAttributes(t *testing.T) {
	rec := installRecorder(t)

	_, span := TraceMeeting(context.Background(), "join", "ABC123")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "meeting.join", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), MeetingIDKey.String("ABC123"))
}

func TestTraceSignal_ExtraAttributes(t *testing.T) {
	rec := installRecorder(t)

	_, span := TraceSignal(context.Background(), "connect", EndpointKey.String("ws://a/ws"), AttemptKey.Int(2))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "signal.connect", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), EndpointKey.String("ws://a/ws"))
	assert.Contains(t, spans[0].Attributes(), AttemptKey.Int(2))
}

func TestEndSpan_RecordsError(t *testing.T) {
	rec := installRecorder(t)

	_, span := TraceWebRTC(context.Background(), "offer", "peer-2")
	EndSpan(span, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "webrtc.offer", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestHelpersWithoutProvider(t *testing.T) {
	ctx, span := TraceRelayMessage(context.Background(), "offer", "peer-1")
	defer span.End()

	AddSpanAttributes(ctx, attribute.String("test.key", "test.value"))
	RecordError(ctx, errors.New("ignored"))
	SetSpanStatus(ctx, codes.Ok, "")
	MeasureDuration(ctx, time.Now(), "noop")
	assert.NotNil(t, SpanFromContext(ctx))
}
