package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livebus/internal/infra/config"
)

func TestHandlerFormats(t *testing.T) {
	var jsonOut bytes.Buffer
	slog.New(newHandler(&jsonOut, config.LoggerConfig{Format: "JSON"})).Info("subscribed", "channels", 3)

	var rec struct {
		Msg      string `json:"msg"`
		Channels int    `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(jsonOut.Bytes(), &rec), jsonOut.String())
	assert.Equal(t, "subscribed", rec.Msg)
	assert.Equal(t, 3, rec.Channels)

	var textOut bytes.Buffer
	slog.New(newHandler(&textOut, config.LoggerConfig{Format: "text"})).Info("subscribed", "channels", 3)
	assert.Contains(t, textOut.String(), `msg=subscribed channels=3`)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"warn+2":  slog.LevelWarn + 2,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "parseLevel(%q)", in)
	}
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "warn"}))

	log.Info("poll tick")
	log.Warn("store breaker open")

	assert.NotContains(t, buf.String(), "poll tick")
	assert.Contains(t, buf.String(), "store breaker open")
}

func TestOpenOutput(t *testing.T) {
	for in, want := range map[string]*os.File{"": os.Stderr, "stderr": os.Stderr, "STDOUT": os.Stdout} {
		w, closer, err := openOutput(in)
		require.NoError(t, err, in)
		assert.Same(t, want, w, in)
		assert.NoError(t, closer())
	}

	_, _, err := openOutput(filepath.Join(t.TempDir(), "missing", "bus.log"))
	assert.Error(t, err)
}

func TestNewWritesTaggedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.log")
	log, closer, err := New(config.LoggerConfig{Level: "debug", Output: path})
	require.NoError(t, err)

	Component(log, "dispatch").Debug("delivered", "conn", "01J")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, want := range []string{"msg=delivered", "service=livebus", "component=dispatch", "conn=01J"} {
		assert.Contains(t, string(data), want)
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestNewRejectsBadOutput(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: "/nonexistent/dir/bus.log"})
	assert.ErrorContains(t, err, "open log output")
}

func TestComponentFallsBackToDefault(t *testing.T) {
	assert.NotNil(t, Component(nil, "presence"))
}
