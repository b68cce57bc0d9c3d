package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("job_id", "job_1").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "job_1", entry["job_id"])
	assert.Equal(t, "cronrelay", entry["service"])
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("loud", "json", &buf)
	logger.Debug().Msg("debug")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("info")
	assert.NotZero(t, buf.Len())
}
