package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, level := newLogger(&buf, "info", false)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.Info("accepted connection", "remote_addr", "127.0.0.1:1")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "accepted connection", record["msg"])
	assert.Equal(t, "127.0.0.1:1", record["remote_addr"])

	buf.Reset()
	level.Set(slog.LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestNewLogger_Dev(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := newLogger(&buf, "debug", true)

	logger.Debug("text output", "k", "v")
	assert.Contains(t, buf.String(), "msg=\"text output\"")
	assert.Contains(t, buf.String(), "k=v")
}
