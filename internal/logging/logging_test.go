package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "json", Writer: &buf})
	require.NoError(t, err)

	logger.Info("calling upstream",
		"api_key", "sk-live-123456789",
		"Authorization", "Bearer abc.def.ghi",
		"jwt_secret", "hunter2",
		"model", "claude",
		"total_tokens", 12,
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, redacted, entry["api_key"])
	require.Equal(t, redacted, entry["Authorization"])
	require.Equal(t, redacted, entry["jwt_secret"])
	require.Equal(t, "claude", entry["model"])
	require.Equal(t, 12.0, entry["total_tokens"])
}

func TestRedactsEmbeddedCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Writer: &buf})
	require.NoError(t, err)

	logger.Warn("upstream rejected", "body", `{"error":"bad key sk-abcdefghijkl"}`, "header", "Bearer abc123")

	out := buf.String()
	require.NotContains(t, out, "sk-abcdefghijkl")
	require.NotContains(t, out, "abc123")
	require.Contains(t, out, "Bearer [REDACTED]")
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: "text", Writer: &buf})
	require.NoError(t, err)

	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Warn("shown")
	require.Contains(t, buf.String(), "shown")

	lvl, err := ParseLevel("ERROR")
	require.NoError(t, err)
	require.Equal(t, slog.LevelError, lvl)

	_, err = ParseLevel("loud")
	require.Error(t, err)

	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
}
