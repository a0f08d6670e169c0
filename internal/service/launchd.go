package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"howett.net/plist"
)

type launchAgentPlist struct {
	Label                string            `plist:"Label"`
	ProgramArguments     []string          `plist:"ProgramArguments"`
	EnvironmentVariables map[string]string `plist:"EnvironmentVariables,omitempty"`
	WorkingDirectory     string            `plist:"WorkingDirectory,omitempty"`
	RunAtLoad            bool              `plist:"RunAtLoad"`
	KeepAlive            bool              `plist:"KeepAlive"`
	StandardOutPath      string            `plist:"StandardOutPath,omitempty"`
	StandardErrorPath    string            `plist:"StandardErrorPath,omitempty"`
}

// looseLaunchAgent tolerates hand-edited plists whose values are not all strings.
type looseLaunchAgent struct {
	ProgramArguments     []any          `plist:"ProgramArguments"`
	EnvironmentVariables map[string]any `plist:"EnvironmentVariables"`
	WorkingDirectory     string         `plist:"WorkingDirectory"`
}

// ParseLaunchAgentPlist decodes XML or binary plist bytes. Environment values
// are trimmed. It returns nil when ProgramArguments is empty.
func ParseLaunchAgentPlist(data []byte) (*Definition, error) {
	var raw looseLaunchAgent
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode launch agent plist: %w", err)
	}
	args := make([]string, 0, len(raw.ProgramArguments))
	for _, a := range raw.ProgramArguments {
		args = append(args, fmt.Sprint(a))
	}
	if len(args) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(raw.EnvironmentVariables))
	for k, v := range raw.EnvironmentVariables {
		env[k] = fmt.Sprint(v)
	}
	return &Definition{
		ProgramArguments: args,
		Environment:      trimEnv(env),
		WorkingDirectory: strings.TrimSpace(raw.WorkingDirectory),
	}, nil
}

// RenderLaunchAgentPlist encodes def as an XML LaunchAgent.
func RenderLaunchAgentPlist(label string, def Definition, stdoutPath, stderrPath string) ([]byte, error) {
	doc := launchAgentPlist{
		Label:                label,
		ProgramArguments:     def.ProgramArguments,
		EnvironmentVariables: def.Environment,
		WorkingDirectory:     def.WorkingDirectory,
		RunAtLoad:            true,
		KeepAlive:            true,
		StandardOutPath:      stdoutPath,
		StandardErrorPath:    stderrPath,
	}
	return plist.MarshalIndent(doc, plist.XMLFormat, "\t")
}

// LaunchctlPrint holds the fields read from `launchctl print`.
type LaunchctlPrint struct {
	State          string
	PID            *int
	LastExitCode   *int
	LastExitReason string
}

// ParseLaunchctlPrint reads the first "key = value" occurrence of state,
// pid and last exit code.
func ParseLaunchctlPrint(output string) LaunchctlPrint {
	var out LaunchctlPrint
	seen := map[string]bool{}
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), " = ")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if seen[key] {
			continue
		}
		switch key {
		case "state":
			out.State = value
		case "pid":
			out.PID = parseOptionalInt(value)
		case "last exit code", "last exit status":
			out.LastExitCode = parseOptionalInt(value)
			if out.LastExitCode == nil {
				out.LastExitReason = strings.Trim(value, "()")
			}
		case "last exit reason":
			out.LastExitReason = value
		default:
			continue
		}
		seen[key] = true
	}
	return out
}

// Launchd manages a per-user LaunchAgent in the gui/<uid> domain.
type Launchd struct {
	label     string
	plistPath string
	uid       int
	logDir    string
	runner    Runner
	logger    *slog.Logger
}

func NewLaunchd(opts Options) *Launchd {
	opts = opts.withDefaults()
	return &Launchd{
		label:     ResolveLaunchdLabel(opts.Getenv),
		plistPath: ResolveLaunchdPlistPath(opts.Getenv),
		uid:       opts.UID,
		logDir:    opts.LogDir,
		runner:    opts.Runner,
		logger:    opts.Logger,
	}
}

func (l *Launchd) Name() string           { return "launchd" }
func (l *Launchd) Label() string          { return "LaunchAgent" }
func (l *Launchd) ServiceName() string    { return l.label }
func (l *Launchd) DefinitionPath() string { return l.plistPath }

func (l *Launchd) domain() string { return "gui/" + strconv.Itoa(l.uid) }
func (l *Launchd) target() string { return l.domain() + "/" + l.label }

func (l *Launchd) launchctl(ctx context.Context, args ...string) (Result, error) {
	return l.runner.Run(ctx, "launchctl", args...)
}

func (l *Launchd) ReadDefinition(_ context.Context) (*Definition, error) {
	data, err := os.ReadFile(l.plistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read launch agent: %w", err)
	}
	def, err := ParseLaunchAgentPlist(data)
	if err != nil {
		l.logger.Debug("launch agent plist unreadable", "path", l.plistPath, "error", err)
		return nil, nil
	}
	if def == nil {
		return nil, nil
	}
	def.SourcePath = l.plistPath
	return def, nil
}

func (l *Launchd) Install(ctx context.Context, def Definition) error {
	if err := os.MkdirAll(filepath.Dir(l.plistPath), 0o755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", wrapFSPermission(err))
	}
	if err := os.MkdirAll(l.logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", wrapFSPermission(err))
	}
	data, err := RenderLaunchAgentPlist(l.label, def,
		filepath.Join(l.logDir, launchdLogFileStdout), filepath.Join(l.logDir, launchdLogFileStderr))
	if err != nil {
		return fmt.Errorf("encode launch agent: %w", err)
	}
	if err := os.WriteFile(l.plistPath, data, 0o644); err != nil {
		return fmt.Errorf("write launch agent: %w", wrapFSPermission(err))
	}
	// Reinstall replaces any loaded copy.
	if _, err := l.launchctl(ctx, "bootout", l.target()); err != nil {
		l.logger.Debug("launchctl bootout before install", "label", l.label, "error", err)
	}
	if _, err := l.launchctl(ctx, "enable", l.target()); err != nil {
		l.logger.Debug("launchctl enable failed", "label", l.label, "error", err)
	}
	if _, err := l.launchctl(ctx, "bootstrap", l.domain(), l.plistPath); err != nil {
		return opError("launchctl", "bootstrap", err)
	}
	if _, err := l.launchctl(ctx, "kickstart", "-k", l.target()); err != nil {
		return opError("launchctl", "kickstart", err)
	}
	l.logger.Info("installed launch agent", "label", l.label, "path", l.plistPath)
	return nil
}

func (l *Launchd) Uninstall(ctx context.Context) error {
	if _, err := l.launchctl(ctx, "bootout", l.target()); err != nil {
		l.logger.Debug("launchctl bootout during uninstall", "label", l.label, "error", err)
	}
	if err := os.Remove(l.plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove launch agent: %w", wrapFSPermission(err))
	}
	l.logger.Info("removed launch agent", "label", l.label)
	return nil
}

// Start bootstraps the agent when it is not loaded, then kickstarts it.
func (l *Launchd) Start(ctx context.Context) error {
	loaded, err := l.IsLoaded(ctx)
	if err != nil {
		return err
	}
	if !loaded {
		if _, err := os.Stat(l.plistPath); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", l.plistPath, ErrNotInstalled)
		}
		if _, err := l.launchctl(ctx, "bootstrap", l.domain(), l.plistPath); err != nil {
			return opError("launchctl", "bootstrap", err)
		}
	}
	if _, err := l.launchctl(ctx, "kickstart", l.target()); err != nil {
		return opError("launchctl", "kickstart", err)
	}
	l.logger.Info("started launch agent", "label", l.label)
	return nil
}

// Stop unloads the agent; KeepAlive would otherwise relaunch a killed process.
func (l *Launchd) Stop(ctx context.Context) error {
	if _, err := l.launchctl(ctx, "bootout", l.target()); err != nil {
		return opError("launchctl", "bootout", err)
	}
	l.logger.Info("stopped launch agent", "label", l.label)
	return nil
}

func (l *Launchd) Restart(ctx context.Context) error {
	if _, err := l.launchctl(ctx, "kickstart", "-k", l.target()); err != nil {
		return opError("launchctl", "kickstart", err)
	}
	l.logger.Info("restarted launch agent", "label", l.label)
	return nil
}

func (l *Launchd) IsLoaded(ctx context.Context) (bool, error) {
	_, err := l.launchctl(ctx, "print", l.target())
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return false, nil
	}
	return false, opError("launchctl", "print", err)
}

func (l *Launchd) ReadRuntime(ctx context.Context) (RuntimeStatus, error) {
	status := RuntimeStatus{Status: StatusUnknown}
	res, err := l.launchctl(ctx, "print", l.target())
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
			status.Status = StatusStopped
			status.Detail = "not loaded"
			return status, nil
		}
		status.Detail = opError("launchctl", "print", err).Error()
		return status, nil
	}
	status.Loaded = true
	info := ParseLaunchctlPrint(res.Stdout)
	status.State = info.State
	status.PID = info.PID
	status.LastExitCode = info.LastExitCode
	status.LastExitCause = info.LastExitReason
	switch {
	case strings.EqualFold(info.State, "running"):
		status.Status = StatusRunning
	case info.State == "":
		status.Status = StatusUnknown
	default:
		status.Status = StatusStopped
	}
	return status, nil
}
