package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerKeyLayout(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Debug("hidden")
	logger.Warn("liquidated", slog.String("asset", "WETH"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "WARN", line["severity"])
	require.Equal(t, "liquidated", line["message"])
	require.Equal(t, "WETH", line["asset"])
	require.Contains(t, line, "timestamp")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("user", "dsc1abc").Value.String())
	require.Equal(t, "WETH", MaskField("asset", "WETH").Value.String())
	require.Equal(t, " ", MaskField("user", " ").Value.String())
	require.Contains(t, RedactionAllowlist(), "operation")
}
