package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmms-ai/dmms-ai/internal/shared"
)

// SystemdShow holds the fields read from `systemctl --user show`.
type SystemdShow struct {
	ActiveState    string
	SubState       string
	MainPID        *int
	ExecMainStatus *int
	ExecMainCode   string
}

// ParseSystemdShow reads KEY=VALUE lines. MainPID=0 means no process and is
// reported as absent.
func ParseSystemdShow(output string) SystemdShow {
	var show SystemdShow
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "ActiveState":
			show.ActiveState = value
		case "SubState":
			show.SubState = value
		case "MainPID":
			if pid := parseOptionalInt(value); pid != nil && *pid > 0 {
				show.MainPID = pid
			}
		case "ExecMainStatus":
			show.ExecMainStatus = parseOptionalInt(value)
		case "ExecMainCode":
			show.ExecMainCode = value
		}
	}
	return show
}

// ParseSystemdUnit recovers ExecStart=, Environment= and WorkingDirectory=
// from a unit file. It returns nil when no ExecStart command is present.
func ParseSystemdUnit(content string) *Definition {
	var (
		args []string
		env  = map[string]string{}
		wd   string
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "ExecStart":
			if args == nil {
				args = ParseSystemdExecStart(value)
			}
		case "WorkingDirectory":
			wd = unescapeSpecifiers(strings.Trim(value, `"`))
		case "Environment":
			for _, assignment := range SplitArgs(value, EscapeBackslash) {
				k, v, ok := strings.Cut(assignment, "=")
				if ok && strings.TrimSpace(k) != "" {
					env[k] = unescapeSpecifiers(v)
				}
			}
		}
	}
	if len(args) == 0 {
		return nil
	}
	return &Definition{ProgramArguments: args, Environment: trimEnv(env), WorkingDirectory: wd}
}

// ParseSystemdExecStart splits an ExecStart= value with systemd's backslash
// escaping, dropping the optional -, @, +, ! prefixes.
func ParseSystemdExecStart(value string) []string {
	value = strings.TrimLeft(strings.TrimSpace(value), "-@+!")
	args := SplitArgs(value, EscapeBackslash)
	for i, a := range args {
		args[i] = unescapeSpecifiers(strings.ReplaceAll(a, "$$", "$"))
	}
	return args
}

// RenderSystemdUnit writes a unit file for def. Percent signs are doubled
// everywhere systemd expands specifiers and dollar signs are doubled in
// ExecStart=; values spanning lines are rejected.
func RenderSystemdUnit(description string, def Definition) (string, error) {
	if err := checkSingleLine(def); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", description)
	b.WriteString("After=network-online.target\nWants=network-online.target\n\n")
	b.WriteString("[Service]\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", joinArgs(def.ProgramArguments, quoteExecStartArg))
	if def.WorkingDirectory != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", escapeSpecifiers(def.WorkingDirectory))
	}
	for _, k := range shared.SortedKeys(def.Environment) {
		fmt.Fprintf(&b, "Environment=%s\n", quoteSystemdArg(k+"="+def.Environment[k]))
	}
	b.WriteString("Restart=always\nRestartSec=5\nKillMode=process\n\n")
	b.WriteString("[Install]\nWantedBy=default.target\n")
	return b.String(), nil
}

func checkSingleLine(def Definition) error {
	values := append([]string{def.WorkingDirectory}, def.ProgramArguments...)
	for k, v := range def.Environment {
		values = append(values, k, v)
	}
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: line break in %q", ErrInvalidDefinition, v)
		}
	}
	return nil
}

// Systemd manages a systemd user unit through systemctl --user.
type Systemd struct {
	unit     string
	unitPath string
	runner   Runner
	logger   *slog.Logger
}

func NewSystemd(opts Options) *Systemd {
	opts = opts.withDefaults()
	return &Systemd{
		unit:     ResolveSystemdUnit(opts.Getenv),
		unitPath: ResolveSystemdUnitPath(opts.Getenv),
		runner:   opts.Runner,
		logger:   opts.Logger,
	}
}

func (s *Systemd) Name() string           { return "systemd" }
func (s *Systemd) Label() string          { return "systemd user service" }
func (s *Systemd) ServiceName() string    { return s.unit + ".service" }
func (s *Systemd) DefinitionPath() string { return s.unitPath }

func (s *Systemd) systemctl(ctx context.Context, args ...string) (Result, error) {
	return s.runner.Run(ctx, "systemctl", append([]string{"--user"}, args...)...)
}

// Available reports whether the user manager answers on the session bus.
func (s *Systemd) Available(ctx context.Context) error {
	_, err := s.systemctl(ctx, "status")
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		detail := strings.ToLower(cmdErr.Detail())
		if strings.Contains(detail, "failed to connect to bus") || strings.Contains(detail, "not been booted with systemd") || errors.Is(cmdErr.Err, ErrUnsupportedPlatform) {
			return fmt.Errorf("systemd user services unavailable: %s: %w", cmdErr.Detail(), ErrUnsupportedPlatform)
		}
		// systemctl status exits non-zero when some unit is degraded; the bus answered.
		if cmdErr.ExitCode > 0 {
			return nil
		}
	}
	return fmt.Errorf("systemd user services unavailable: %w", ErrUnsupportedPlatform)
}

func (s *Systemd) ReadDefinition(_ context.Context) (*Definition, error) {
	data, err := os.ReadFile(s.unitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read systemd unit: %w", err)
	}
	def := ParseSystemdUnit(string(data))
	if def == nil {
		s.logger.Debug("systemd unit has no ExecStart", "path", s.unitPath)
		return nil, nil
	}
	def.SourcePath = s.unitPath
	return def, nil
}

func (s *Systemd) Install(ctx context.Context, def Definition) error {
	if err := s.Available(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.unitPath), 0o755); err != nil {
		return fmt.Errorf("create systemd user dir: %w", wrapFSPermission(err))
	}
	unit, err := RenderSystemdUnit("DMMS AI Gateway", def)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", wrapFSPermission(err))
	}
	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return opError("systemctl", "daemon-reload", err)
	}
	if _, err := s.systemctl(ctx, "enable", s.ServiceName()); err != nil {
		return opError("systemctl", "enable", err)
	}
	if _, err := s.systemctl(ctx, "restart", s.ServiceName()); err != nil {
		return opError("systemctl", "restart", err)
	}
	s.logger.Info("installed systemd service", "unit", s.ServiceName(), "path", s.unitPath)
	return nil
}

func (s *Systemd) Uninstall(ctx context.Context) error {
	if err := s.Available(ctx); err != nil {
		return err
	}
	if _, err := s.systemctl(ctx, "disable", "--now", s.ServiceName()); err != nil {
		s.logger.Debug("systemctl disable failed", "unit", s.ServiceName(), "error", err)
	}
	if err := os.Remove(s.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove systemd unit: %w", wrapFSPermission(err))
	}
	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return opError("systemctl", "daemon-reload", err)
	}
	s.logger.Info("removed systemd service", "unit", s.ServiceName())
	return nil
}

func (s *Systemd) Start(ctx context.Context) error {
	if err := s.Available(ctx); err != nil {
		return err
	}
	if _, err := s.systemctl(ctx, "start", s.ServiceName()); err != nil {
		return opError("systemctl", "start", err)
	}
	s.logger.Info("started systemd service", "unit", s.ServiceName())
	return nil
}

func (s *Systemd) Stop(ctx context.Context) error {
	if err := s.Available(ctx); err != nil {
		return err
	}
	if _, err := s.systemctl(ctx, "stop", s.ServiceName()); err != nil {
		return opError("systemctl", "stop", err)
	}
	s.logger.Info("stopped systemd service", "unit", s.ServiceName())
	return nil
}

func (s *Systemd) Restart(ctx context.Context) error {
	if err := s.Available(ctx); err != nil {
		return err
	}
	if _, err := s.systemctl(ctx, "restart", s.ServiceName()); err != nil {
		return opError("systemctl", "restart", err)
	}
	s.logger.Info("restarted systemd service", "unit", s.ServiceName())
	return nil
}

func (s *Systemd) IsLoaded(ctx context.Context) (bool, error) {
	_, err := s.systemctl(ctx, "is-enabled", s.ServiceName())
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		// is-enabled prints "disabled" or "not-found" and exits non-zero.
		return false, nil
	}
	return false, opError("systemctl", "is-enabled", err)
}

func (s *Systemd) ReadRuntime(ctx context.Context) (RuntimeStatus, error) {
	status := RuntimeStatus{Status: StatusUnknown}
	if err := s.Available(ctx); err != nil {
		status.Detail = err.Error()
		return status, err
	}
	loaded, err := s.IsLoaded(ctx)
	if err == nil {
		status.Loaded = loaded
	}
	res, err := s.systemctl(ctx, "show", s.ServiceName(), "--no-page",
		"--property", "ActiveState,SubState,MainPID,ExecMainStatus,ExecMainCode")
	if err != nil {
		status.Detail = opError("systemctl", "show", err).Error()
		return status, nil
	}
	show := ParseSystemdShow(res.Stdout)
	status.State = show.ActiveState
	status.SubState = show.SubState
	status.PID = show.MainPID
	status.LastExitCode = show.ExecMainStatus
	status.LastExitCause = show.ExecMainCode
	switch show.ActiveState {
	case "active", "activating", "reloading":
		status.Status = StatusRunning
	case "":
		status.Status = StatusUnknown
	default:
		status.Status = StatusStopped
	}
	return status, nil
}

func wrapFSPermission(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return err
}
