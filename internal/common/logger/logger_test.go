package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	log, err := NewLogger(LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestWithContextExtractsRequestAndClientID(t *testing.T) {
	log := newTestLogger(t)

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, ClientIDKey, "client-1")

	got := log.WithContext(ctx)
	assert.Equal(t, []zap.Field{
		zap.String("request_id", "req-1"),
		zap.String("client_id", "client-1"),
	}, got.fields)
}

func TestWithContextEmptyReturnsSameLogger(t *testing.T) {
	log := newTestLogger(t)
	assert.Same(t, log, log.WithContext(context.Background()))
}

func TestWithErrorAddsErrorField(t *testing.T) {
	log := newTestLogger(t)
	err := errors.New("boom")
	assert.Equal(t, []zap.Field{zap.Error(err)}, log.WithError(err).fields)
}

func TestWithAgentIDAddsAgentField(t *testing.T) {
	log := newTestLogger(t)
	got := log.WithAgentID("agent-7").WithSessionID("sess-9")
	assert.Equal(t, []zap.Field{
		zap.String("agent_id", "agent-7"),
		zap.String("session_id", "sess-9"),
	}, got.fields)
}
