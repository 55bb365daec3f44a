package logger_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

func TestFromWriter_ScopedFields(t *testing.T) {
	var buf bytes.Buffer
	log := logger.FromWriter(&buf).WithComponent("engine").WithProduct("AMOX-500")

	log.Info().Int("quantity", 7).Msg("movement committed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "AMOX-500", entry["product"])
	assert.Equal(t, float64(7), entry["quantity"])
	assert.Equal(t, "movement committed", entry["message"])
}

func TestNewWithOptions_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.log")
	log := logger.NewWithOptions("ledger", "production", logger.Options{Level: "warn", File: path})

	log.Info().Msg("hidden")
	log.Warn().Msg("visible")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "visible")
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"service":"ledger"`)
}
