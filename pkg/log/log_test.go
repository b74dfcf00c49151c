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

func lastEvent(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var event map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &event))
	return event
}

func TestChildLoggersChain(t *testing.T) {
	buf := initBuffer(t)

	WithComponent("store").Info().Msg("connected")
	event := lastEvent(t, buf)
	assert.Equal(t, "store", event["component"])
	assert.Equal(t, "connected", event["message"])

	WithWorkerID("gpu-worker-1").Warn().Str("reason", "heartbeat").Msg("failed")
	event = lastEvent(t, buf)
	assert.Equal(t, "gpu-worker-1", event["worker_id"])
	assert.Equal(t, "heartbeat", event["reason"])

	WithCycle(42).Info().Msg("cycle complete")
	event = lastEvent(t, buf)
	assert.Equal(t, float64(42), event["cycle"])
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("loop").Debug().Msg("dropped")
	assert.Empty(t, buf.String())

	WithComponent("loop").Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}
