package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l := New("nonsense")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestNew_DebugConsole(t *testing.T) {
	l := New("debug", "console")
	assert.True(t, l.Core().Enabled(zap.DebugLevel))
}

func TestContextLogger_AddsFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithValues(context.Background(), ConnectionIDKey, "conn-1")
	ctx = WithValues(ctx, DocumentIDKey, "doc-1")
	cl.LogInfo(ctx, "attached")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "conn-1", fields["connection_id"])
		assert.Equal(t, "doc-1", fields["document_id"])
		assert.NotContains(t, fields, "user_id")
	}
}
