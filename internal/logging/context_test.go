package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", InstanceID(ctx))
	assert.Equal(t, "", ScheduleID(ctx))
	assert.Equal(t, "", ActivityID(ctx))

	ctx = WithInstanceID(ctx, "orders-abc")
	ctx = WithScheduleID(ctx, "orders-x1y2")
	ctx = WithActivityID(ctx, "act-1")

	assert.Equal(t, "orders-abc", InstanceID(ctx))
	assert.Equal(t, "orders-x1y2", ScheduleID(ctx))
	assert.Equal(t, "act-1", ActivityID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithInstanceID(context.Background(), "inst-1")
	ctx = WithActivityID(ctx, "act-9")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "instance_id=inst-1")
	assert.Contains(t, output, "activity_id=act-9")
	assert.NotContains(t, output, "schedule_id")
	assert.Contains(t, output, "test message")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "instance_id")
	assert.NotContains(t, output, "schedule_id")
	assert.NotContains(t, output, "activity_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithScheduleID(WithInstanceID(context.Background(), "inst-auto"), "sched-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"instance_id":"inst-auto"`)
	assert.Contains(t, output, `"schedule_id":"sched-auto"`)
	assert.NotContains(t, output, "activity_id")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "scheduler")}))

	logger.InfoContext(WithScheduleID(context.Background(), "s-1"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"schedule_id":"s-1"`)
	assert.Contains(t, output, `"component":"scheduler"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler.WithGroup("runtime"))

	logger.InfoContext(WithInstanceID(context.Background(), "inst-grp"), "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "inst-grp")
	assert.Contains(t, output, "grouped")
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "json")
	require.NoError(t, err)

	logger.InfoContext(context.Background(), "hidden")
	logger.WarnContext(WithInstanceID(context.Background(), "i-1"), "shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, `"instance_id":"i-1"`)

	_, err = New(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = New(&buf, "info", "xml")
	assert.Error(t, err)
}
