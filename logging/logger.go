package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	EnvLogLevel = "TAILPIPE_LOG_LEVEL"
	appName     = "tailpipe-s3-sqs-ingest"

	redacted = "<redacted>"
)

// LevelOff is above every level used by the application, so nothing is logged
const LevelOff = slog.Level(100)

// keys whose values must never reach the log output
var sensitiveKeys = map[string]struct{}{
	"access_key":    {},
	"secret_key":    {},
	"session_token": {},
}

// Initialize sets the default logger
// the level is taken from levelOverride if set, otherwise from the TAILPIPE_LOG_LEVEL env var
func Initialize(levelOverride string) {
	slog.SetDefault(NewLogger(os.Stderr, levelOverride))
}

// NewLogger returns a logger that writes JSON to w and redacts sensitive values
func NewLogger(w io.Writer, levelOverride string) *slog.Logger {
	level := getLogLevel(levelOverride)
	if level == LevelOff {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}

	handlerOptions := &slog.HandlerOptions{
		Level: level,

		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
				return slog.String(a.Key, redacted)
			}
			return a
		},
	}
	return slog.New(slog.NewJSONHandler(w, handlerOptions)).With("source", appName)
}

func getLogLevel(levelOverride string) slog.Leveler {
	levelEnv := levelOverride
	if levelEnv == "" {
		levelEnv = os.Getenv(EnvLogLevel)
	}

	switch strings.ToLower(levelEnv) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "off":
		return LevelOff
	default:
		return slog.LevelInfo
	}
}
