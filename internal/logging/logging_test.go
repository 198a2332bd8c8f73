package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "debug", Format: "json", Output: &buf})

	l.With("component", "engine").Info("transition applied", "entity", "asset#42", "to_state", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "transition applied", line["msg"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "engine", line["component"])
	assert.Equal(t, "asset#42", line["entity"])
	assert.Equal(t, float64(7), line["to_state"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "warn", Output: &buf})

	l.Info("dropped")
	l.Debug("dropped")
	assert.Zero(t, buf.Len())

	l.Warn("kept", "odd")
	assert.Contains(t, buf.String(), "kept")
	assert.Contains(t, buf.String(), "(MISSING)")
}
