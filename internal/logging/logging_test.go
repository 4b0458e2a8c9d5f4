package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "error", "text")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))

	logger.Info("dropped")
	assert.Empty(t, buf.String())
	logger.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Info("escrow released", "bounty_id", "B1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "escrow released", line["msg"])
	assert.Equal(t, "B1", line["bounty_id"])
	assert.Equal(t, "bountypay", line["service"])
}

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	assert.Equal(t, "second", RequestID(ctx))
}

func TestFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	custom := New("debug", "json")
	assert.Same(t, custom, FromContext(WithLogger(context.Background(), custom)))
}

func TestL_TagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = WithRequestID(ctx, "req-456")

	L(ctx).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req-456", line["request_id"])
}
