package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/config"
)

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duet.log")
	logger, err := New(config.LogConfig{Level: "info", Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("turn accepted", zap.String("speaker", "Aki"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line), "exactly one json line expected: %s", data)
	assert.Equal(t, "turn accepted", line["msg"])
	assert.Equal(t, "Aki", line["speaker"])
	assert.Contains(t, line, "timestamp")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty", Format: "json"})
	assert.Error(t, err)
}

func TestNewConsoleAtDebug(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "debug", Format: "console", OutputPaths: []string{filepath.Join(t.TempDir(), "c.log")}})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}
