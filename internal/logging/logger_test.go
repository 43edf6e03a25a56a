package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]struct {
		in   string
		want slog.Level
	}{
		"debug":   {in: "debug", want: slog.LevelDebug},
		"warning": {in: "WARNING", want: slog.LevelWarn},
		"error":   {in: " error ", want: slog.LevelError},
		"empty":   {in: "", want: slog.LevelInfo},
		"unknown": {in: "verbose", want: slog.LevelInfo},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)

	logger.Debug("hidden")
	logger.Info("token refreshed", "expires_in", 3599)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "token refreshed", entry["msg"])
	assert.Equal(t, float64(3599), entry["expires_in"])
}

func TestNew_TextFormatRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "text", &buf)

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "msg=kept")
}
