package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "abc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "abc", rec["job_id"])
}

func TestSetupTracingNoneIsNoop(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{Exporter: "none"}, DiscardLogger())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = SetupTracing(context.Background(), TracingConfig{Exporter: "zipkin"}, DiscardLogger())
	require.Error(t, err)
}
