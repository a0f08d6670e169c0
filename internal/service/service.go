// Package service reads, writes and controls the gateway's native background
// service definition: a systemd user unit on Linux, a LaunchAgent on macOS and
// a Scheduled Task on Windows. One Adapter is selected per process by Resolve.
package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrNotInstalled        = errors.New("service not installed")
	ErrInvalidDefinition   = errors.New("invalid service definition")
)

// Port sources reported alongside a port derived from a definition.
const (
	PortSourceArgs = "service args"
	PortSourceEnv  = "service env"
)

// Definition is the service's launch recipe as read back from disk.
type Definition struct {
	ProgramArguments []string          `json:"programArguments"`
	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	SourcePath       string            `json:"sourcePath,omitempty"`
}

// Runtime status values normalized across platforms.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusUnknown = "unknown"
)

// RuntimeStatus is a point-in-time read of the OS service manager. It is
// never cached.
type RuntimeStatus struct {
	Loaded        bool   `json:"loaded"`
	Status        string `json:"status"`
	State         string `json:"state,omitempty"`
	SubState      string `json:"subState,omitempty"`
	PID           *int   `json:"pid,omitempty"`
	LastExitCode  *int   `json:"lastExitCode,omitempty"`
	LastExitCause string `json:"lastExitCause,omitempty"`
	LastRunTime   string `json:"lastRunTime,omitempty"`
	LastRunResult string `json:"lastRunResult,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// Adapter is the per-platform service manager binding.
type Adapter interface {
	// Name is the platform key: "systemd", "launchd" or "schtasks".
	Name() string
	// Label is the operator-facing kind, e.g. "LaunchAgent".
	Label() string
	// ServiceName is the unit, label or task name being managed.
	ServiceName() string
	DefinitionPath() string

	// ReadDefinition returns nil, nil when no definition is installed or the
	// file holds no command.
	ReadDefinition(ctx context.Context) (*Definition, error)
	Install(ctx context.Context, def Definition) error
	Uninstall(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsLoaded(ctx context.Context) (bool, error)
	ReadRuntime(ctx context.Context) (RuntimeStatus, error)
}

// Restarter is implemented by adapters whose service manager restarts in one
// call. Callers fall back to Stop then Start otherwise.
type Restarter interface {
	Restart(ctx context.Context) error
}

// OpError reports a failed service manager invocation with the tool's own
// diagnostic text.
type OpError struct {
	Tool   string
	Op     string
	Detail string
	Err    error
}

func (e *OpError) Error() string {
	if e.Detail == "" {
		return e.Tool + " " + e.Op + " failed"
	}
	return e.Tool + " " + e.Op + " failed: " + e.Detail
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(tool, op string, err error) error {
	if err == nil {
		return nil
	}
	detail := err.Error()
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		detail = cmdErr.Detail()
	}
	return &OpError{Tool: tool, Op: op, Detail: detail, Err: err}
}

// GatewaySnapshot is the subset of a definition the diagnostics compare
// against local config.
type GatewaySnapshot struct {
	Port       int
	PortSource string
	Bind       string
	Token      string
	Password   string
}

// Snapshot extracts port, bind and credentials from the program arguments
// and environment. Port is 0 when neither --port nor DMMS_AI_GATEWAY_PORT
// carries a valid value.
func (d *Definition) Snapshot() GatewaySnapshot {
	var snap GatewaySnapshot
	if d == nil {
		return snap
	}
	if raw, ok := flagValue(d.ProgramArguments, "--port"); ok {
		if port, ok := parsePort(raw); ok {
			snap.Port = port
			snap.PortSource = PortSourceArgs
		}
	}
	if snap.Port == 0 {
		if port, ok := parsePort(d.Environment["DMMS_AI_GATEWAY_PORT"]); ok {
			snap.Port = port
			snap.PortSource = PortSourceEnv
		}
	}
	if raw, ok := flagValue(d.ProgramArguments, "--bind"); ok {
		snap.Bind = strings.TrimSpace(raw)
	}
	snap.Token = strings.TrimSpace(d.Environment["DMMS_AI_GATEWAY_TOKEN"])
	if snap.Token == "" {
		if raw, ok := flagValue(d.ProgramArguments, "--token"); ok {
			snap.Token = strings.TrimSpace(raw)
		}
	}
	snap.Password = strings.TrimSpace(d.Environment["DMMS_AI_GATEWAY_PASSWORD"])
	return snap
}

func flagValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(a, flag+"=") {
			return strings.TrimPrefix(a, flag+"="), true
		}
	}
	return "", false
}

func parsePort(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 || n > 65535 {
		return 0, false
	}
	return n, true
}

// parseOptionalInt returns nil for empty or unparsable input so a missing
// value is never reported as zero.
func parseOptionalInt(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func trimEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
