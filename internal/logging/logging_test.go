package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "debug", false)

	log.With("component", "engine").Info("transition executed", "entity_id", "doc-1", "attempt", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "transition executed", entry["message"])
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "doc-1", entry["entity_id"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", false)

	log.Debug("hidden")
	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "chatty", false)

	log.Debug("hidden")
	assert.Zero(t, buf.Len())
	log.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}
