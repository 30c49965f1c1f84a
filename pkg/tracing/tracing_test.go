package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpanHelpers(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := TraceSessionOperation(context.Background(), "persist", "doc-1")
	AddSpanAttributes(ctx, attribute.Int("crdt.updates", 3))
	RecordError(ctx, errors.New("store down"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "session persist", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.Int("crdt.updates", 3))
	assert.Contains(t, ended[0].Attributes(), documentIDKey.String("doc-1"))
}

func TestTraceHelpers(t *testing.T) {
	recorder := withRecorder(t)
	ctx := context.Background()

	_, span := TraceHTTPRequest(ctx, propagation.HeaderCarrier(http.Header{}), "GET", "/ws")
	span.End()
	_, span = TraceWebSocketMessage(ctx, "sync_update", "conn-1", "doc-1")
	span.End()
	_, span = TraceDatabaseOperation(ctx, "upsert", "lab_note_states")
	span.End()

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"GET /ws", "frame sync_update", "db upsert lab_note_states"}, names)
}
