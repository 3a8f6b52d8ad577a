package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Not parallel: the logger configuration is process-wide.

func TestComponentLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	ConfigureOutput(&buf, "text", LogLevelWarn, map[string]LogLevel{"broker": LogLevelDebug})
	t.Cleanup(func() { Configure("text", LogLevelInfo, nil) })

	Get("broker").Debug("claimed credential", "id", 7)
	Get("controller").Info("dropped at warn")
	Get("broker.sweeper").Debug("inherits parent level")

	out := buf.String()
	assert.Contains(t, out, "claimed credential")
	assert.Contains(t, out, "component=broker")
	assert.Contains(t, out, "inherits parent level")
	assert.NotContains(t, out, "dropped at warn")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	ConfigureOutput(&buf, "json", LogLevelInfo, nil)
	t.Cleanup(func() { Configure("text", LogLevelInfo, nil) })

	Get("store").Info("opened", "path", "/tmp/x.db")

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "store", rec["component"])
	assert.Equal(t, "opened", rec["msg"])
	assert.Equal(t, "/tmp/x.db", rec["path"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, parseLevel("warning"), parseLevel("warn"))
	assert.Equal(t, parseLevel("info"), parseLevel("bogus"))
}
