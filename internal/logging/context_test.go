package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", Workflow(ctx))
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithWorkflow(ctx, "nightly-report")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithStepID(ctx, "fetch")

	assert.Equal(t, "nightly-report", Workflow(ctx))
	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "fetch", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	ctx := WithRunID(WithWorkflow(context.Background(), "wf"), "run-9")
	ctx = WithStepID(ctx, "s1")

	LogWith(ctx, logger).Info("step finished")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "wf", fields["workflow"])
	assert.Equal(t, "run-9", fields["run_id"])
	assert.Equal(t, "s1", fields["step_id"])
}

func TestLogWithMissingKeys(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	LogWith(context.Background(), logger).Info("bare")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
}

func TestLogWithNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogWith(context.Background(), nil).Info("dropped")
	})
}

func TestNew(t *testing.T) {
	logger, err := New("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New("warn", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New("loud", "json")
	assert.Error(t, err)
}

func TestNewLeveled(t *testing.T) {
	logger, level, err := NewLeveled("info", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	level.SetLevel(zapcore.DebugLevel)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
