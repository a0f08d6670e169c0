// Package telemetry builds the structured logger shared by the CLI and the
// gateway. Records land in <stateDir>/logs/system.jsonl with secrets scrubbed.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmms-ai/dmms-ai/internal/shared"
)

const (
	logFileName = "system.jsonl"
	redacted    = "[REDACTED]"
)

// Attribute keys containing any of these are never written in the clear.
var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

// NewLogger opens the state dir's log file. Unless quiet, records are also
// copied to stderr; stdout stays reserved for command output.
func NewLogger(stateDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	dir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(handler).With("component", "dmms-ai", "trace_id", "-"), file, nil
}

// Subsystem tags records with the package that emitted them.
func Subsystem(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("subsystem", name)
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	if v, ok := scrubValue(a.Value.String()); ok {
		return slog.String(a.Key, v)
	}
	return a
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// scrubValue blanks whole values that carry credentials and otherwise masks
// token-shaped substrings such as --token=... in a command line.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
		return redacted, true
	}
	if out := shared.Redact(v); out != v {
		return out, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
