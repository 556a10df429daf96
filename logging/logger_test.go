package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")

	logger.Info("loaded credentials", "access_key", "AKIAEXAMPLE", "secret_key", "shh", "bucket", "logs")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, redacted, entry["access_key"])
	assert.Equal(t, redacted, entry["secret_key"])
	assert.Equal(t, "logs", entry["bucket"])
	assert.Equal(t, appName, entry["source"])
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  slog.Leveler
	}{
		{name: "debug", level: "debug", want: slog.LevelDebug},
		{name: "upper case", level: "WARN", want: slog.LevelWarn},
		{name: "error", level: "error", want: slog.LevelError},
		{name: "off", level: "off", want: LevelOff},
		{name: "unknown defaults to info", level: "verbose", want: slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, getLogLevel(tt.level))
		})
	}
}

func TestNewLogger_Off(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "off")
	logger.Error("should not be written")
	assert.Empty(t, buf.String())
}
