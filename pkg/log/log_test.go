package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestWithComponentChainsLevelMethods(t *testing.T) {
	buf := initBuffer(t)

	// Level methods must be callable directly on the helper's return value
	WithComponent("chain").Info().Str("method", "fetchPermission").Msg("view call completed")

	entry := lastEntry(t, buf)
	assert.Equal(t, "chain", entry["component"])
	assert.Equal(t, "fetchPermission", entry["method"])
	assert.Equal(t, "view call completed", entry["message"])
}

func TestWithOperationID(t *testing.T) {
	buf := initBuffer(t)

	WithOperationID("qwen_1").Warn().Msg("artifact collection failed")

	entry := lastEntry(t, buf)
	assert.Equal(t, "qwen_1", entry["operation_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestWithPermissionIDAndAddress(t *testing.T) {
	buf := initBuffer(t)

	WithPermissionID(7).Debug().Msg("permission loaded")
	entry := lastEntry(t, buf)
	assert.Equal(t, float64(7), entry["permission_id"])

	buf.Reset()
	WithAddress("0xabc").Error().Msg("signer mismatch")
	entry = lastEntry(t, buf)
	assert.Equal(t, "0xabc", entry["address"])
}
