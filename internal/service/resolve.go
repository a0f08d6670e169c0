package service

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dmms-ai/dmms-ai/internal/config"
)

// Options configures an adapter. Zero values select the process environment,
// an ExecRunner with a 5s timeout and the default logger.
type Options struct {
	Getenv config.Getenv
	Runner Runner
	Logger *slog.Logger
	// UID addresses the launchd gui/<uid> domain. Zero selects os.Getuid.
	UID int
	// LogDir receives launchd stdout/stderr files.
	LogDir string
}

func (o Options) withDefaults() Options {
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.Runner == nil {
		o.Runner = ExecRunner{Timeout: 5 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.UID <= 0 {
		o.UID = os.Getuid()
	}
	if o.LogDir == "" {
		o.LogDir = filepath.Join(config.StateDir(o.Getenv), "logs")
	}
	return o
}

// Resolve selects the adapter for goos. It is called once at startup and the
// result is passed to whoever needs it.
func Resolve(goos string, opts Options) (Adapter, error) {
	switch goos {
	case "linux":
		return NewSystemd(opts), nil
	case "darwin":
		return NewLaunchd(opts), nil
	case "windows":
		return NewSchtasks(opts), nil
	default:
		return nil, fmt.Errorf("gateway service on %s: %w", goos, ErrUnsupportedPlatform)
	}
}
