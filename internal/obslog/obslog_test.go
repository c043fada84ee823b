package obslog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupNonTerminalWriterProducesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Level: slog.LevelInfo, Writer: &buf})
	logger.Info("hello", "key", "value")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "hello", decoded["msg"])
	assert.Equal(t, "value", decoded["key"])
}

func TestForRunAttachesRunID(t *testing.T) {
	var buf bytes.Buffer
	base := Setup(Options{Level: slog.LevelInfo, Writer: &buf})
	run := ForRun(base, "run-123")
	run.Info("tick")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-123", decoded["run_id"])
}
