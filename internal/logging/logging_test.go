package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuditEmitsComponentAndFields(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	Audit(zap.New(core), "api", LevelWarn, "gate_evaluate", "req-1", map[string]any{
		"release_id": "rel-1",
		"score":      51.5,
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "gate_evaluate", entry.Message)
	ctx := entry.ContextMap()
	assert.Equal(t, "api", ctx["component"])
	assert.Equal(t, "req-1", ctx["request_id"])
	assert.Equal(t, "rel-1", ctx["release_id"])
	assert.Equal(t, 51.5, ctx["score"])
}

func TestAuditLevels(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	Audit(logger, "jobqueue", LevelError, "job_failed", "", nil)
	Audit(logger, "jobqueue", "", "job_enqueued", "", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
}

func TestAuditNilLogger(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() { Audit(nil, "api", LevelInfo, "noop", "", nil) })
}

func TestNew(t *testing.T) {
	t.Parallel()
	for _, debug := range []bool{true, false} {
		logger, err := New(debug)
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
}
