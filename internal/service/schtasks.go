package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dmms-ai/dmms-ai/internal/shared"
)

// SchtasksQuery holds the fields read from `schtasks /Query /V /FO LIST`.
type SchtasksQuery struct {
	Status        string
	LastRunTime   string
	LastRunResult string
}

// ParseSchtasksQuery reads "Key: Value" lines; CRLF and LF both work.
func ParseSchtasksQuery(output string) SchtasksQuery {
	var q SchtasksQuery
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "status":
			q.Status = value
		case "last run time":
			q.LastRunTime = value
		case "last run result":
			q.LastRunResult = value
		}
	}
	return q
}

// parseTaskResult decodes a Last Run Result like "0x0" or "267011".
func parseTaskResult(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	base := 10
	if strings.HasPrefix(strings.ToLower(raw), "0x") {
		raw = raw[2:]
		base = 16
	}
	n, err := strconv.ParseInt(raw, base, 64)
	if err != nil {
		return nil
	}
	v := int(n)
	return &v
}

// ParseTaskScript recovers the command, `cd /d` directory and `set` variables
// from a gateway.cmd script. It returns nil when the script runs no command.
func ParseTaskScript(content string) *Definition {
	var (
		command string
		wd      string
		env     = map[string]string{}
	)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "@echo"),
			lower == "rem" || strings.HasPrefix(lower, "rem "),
			strings.HasPrefix(lower, "::"):
			continue
		case strings.HasPrefix(lower, "cd /d "):
			wd = unescapeCmdPercent(strings.Trim(strings.TrimSpace(line[len("cd /d "):]), `"`))
		case strings.HasPrefix(lower, "set "):
			assignment := strings.Trim(strings.TrimSpace(line[len("set "):]), `"`)
			if k, v, ok := strings.Cut(assignment, "="); ok && strings.TrimSpace(k) != "" {
				env[strings.TrimSpace(k)] = unescapeCmdPercent(v)
			}
		default:
			command = line
		}
	}
	if command == "" {
		return nil
	}
	args := SplitArgs(command, EscapeQuoteOnly)
	if len(args) == 0 {
		return nil
	}
	for i, a := range args {
		args[i] = unescapeCmdPercent(a)
	}
	return &Definition{ProgramArguments: args, Environment: trimEnv(env), WorkingDirectory: wd}
}

// RenderTaskScript writes a cmd script that ParseTaskScript reads back.
// Values are quoted and percent signs doubled so cmd runs exactly one
// command; a value that cmd would still split on an operator is rejected.
func RenderTaskScript(description string, def Definition) (string, error) {
	lines := []string{"@echo off", "rem " + description}
	if def.WorkingDirectory != "" {
		lines = append(lines, "cd /d "+quoteScriptArg(def.WorkingDirectory))
	}
	for _, k := range shared.SortedKeys(def.Environment) {
		lines = append(lines, `set "`+k+"="+escapeCmdPercent(def.Environment[k])+`"`)
	}
	lines = append(lines, joinArgs(def.ProgramArguments, quoteScriptArg))

	var b strings.Builder
	for _, line := range lines {
		if err := checkCmdLine(line); err != nil {
			return "", err
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String(), nil
}

// checkCmdLine rejects line breaks and operator characters that cmd would
// see outside a quoted region.
func checkCmdLine(line string) error {
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '\r' || r == '\n':
			return fmt.Errorf("%w: line break in task script value", ErrInvalidDefinition)
		case r == '"':
			inQuotes = !inQuotes
		case !inQuotes && strings.ContainsRune("&|<>^", r):
			return fmt.Errorf("%w: %q would be split by cmd", ErrInvalidDefinition, line)
		}
	}
	return nil
}

func escapeCmdPercent(s string) string   { return strings.ReplaceAll(s, "%", "%%") }
func unescapeCmdPercent(s string) string { return strings.ReplaceAll(s, "%%", "%") }

// quoteScriptArg quotes arg for a line inside a batch file, where %
// introduces variable expansion.
func quoteScriptArg(arg string) string {
	return quoteCmdArg(escapeCmdPercent(arg))
}

// Schtasks manages a logon-triggered Scheduled Task that runs gateway.cmd.
type Schtasks struct {
	taskName   string
	scriptPath string
	runner     Runner
	logger     *slog.Logger
}

func NewSchtasks(opts Options) *Schtasks {
	opts = opts.withDefaults()
	return &Schtasks{
		taskName:   ResolveTaskName(opts.Getenv),
		scriptPath: ResolveTaskScriptPath(opts.Getenv),
		runner:     opts.Runner,
		logger:     opts.Logger,
	}
}

func (s *Schtasks) Name() string           { return "schtasks" }
func (s *Schtasks) Label() string          { return "Scheduled Task" }
func (s *Schtasks) ServiceName() string    { return s.taskName }
func (s *Schtasks) DefinitionPath() string { return s.scriptPath }

func (s *Schtasks) schtasks(ctx context.Context, args ...string) (Result, error) {
	return s.runner.Run(ctx, "schtasks", args...)
}

func (s *Schtasks) ReadDefinition(_ context.Context) (*Definition, error) {
	data, err := os.ReadFile(s.scriptPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task script: %w", err)
	}
	def := ParseTaskScript(string(data))
	if def == nil {
		s.logger.Debug("task script has no command", "path", s.scriptPath)
		return nil, nil
	}
	def.SourcePath = s.scriptPath
	return def, nil
}

func (s *Schtasks) Install(ctx context.Context, def Definition) error {
	if err := os.MkdirAll(filepath.Dir(s.scriptPath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", wrapFSPermission(err))
	}
	script, err := RenderTaskScript("DMMS AI Gateway", def)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.scriptPath, []byte(script), 0o644); err != nil {
		return fmt.Errorf("write task script: %w", wrapFSPermission(err))
	}
	if _, err := s.schtasks(ctx, "/Create", "/F", "/SC", "ONLOGON", "/RL", "LIMITED",
		"/TN", s.taskName, "/TR", quoteCmdArg(s.scriptPath)); err != nil {
		return opError("schtasks", "create", err)
	}
	if _, err := s.schtasks(ctx, "/Run", "/TN", s.taskName); err != nil {
		return opError("schtasks", "run", err)
	}
	s.logger.Info("installed scheduled task", "task", s.taskName, "path", s.scriptPath)
	return nil
}

func (s *Schtasks) Uninstall(ctx context.Context) error {
	if _, err := s.schtasks(ctx, "/End", "/TN", s.taskName); err != nil {
		s.logger.Debug("schtasks end during uninstall", "task", s.taskName, "error", err)
	}
	if _, err := s.schtasks(ctx, "/Delete", "/F", "/TN", s.taskName); err != nil {
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) || !isMissingTaskText(cmdErr.Detail()) {
			return opError("schtasks", "delete", err)
		}
	}
	if err := os.Remove(s.scriptPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove task script: %w", wrapFSPermission(err))
	}
	s.logger.Info("removed scheduled task", "task", s.taskName)
	return nil
}

func (s *Schtasks) Start(ctx context.Context) error {
	if _, err := s.schtasks(ctx, "/Run", "/TN", s.taskName); err != nil {
		return opError("schtasks", "run", err)
	}
	s.logger.Info("started scheduled task", "task", s.taskName)
	return nil
}

func (s *Schtasks) Stop(ctx context.Context) error {
	if _, err := s.schtasks(ctx, "/End", "/TN", s.taskName); err != nil {
		return opError("schtasks", "end", err)
	}
	s.logger.Info("stopped scheduled task", "task", s.taskName)
	return nil
}

func (s *Schtasks) IsLoaded(ctx context.Context) (bool, error) {
	_, err := s.schtasks(ctx, "/Query", "/TN", s.taskName)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		return false, nil
	}
	return false, opError("schtasks", "query", err)
}

func (s *Schtasks) ReadRuntime(ctx context.Context) (RuntimeStatus, error) {
	status := RuntimeStatus{Status: StatusUnknown}
	res, err := s.schtasks(ctx, "/Query", "/TN", s.taskName, "/V", "/FO", "LIST")
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isMissingTaskText(cmdErr.Detail()) {
			status.Status = StatusStopped
			status.Detail = "task not registered"
			return status, nil
		}
		status.Detail = opError("schtasks", "query", err).Error()
		return status, nil
	}
	status.Loaded = true
	q := ParseSchtasksQuery(res.Stdout)
	status.State = q.Status
	status.LastRunTime = q.LastRunTime
	status.LastRunResult = q.LastRunResult
	status.LastExitCode = parseTaskResult(q.LastRunResult)
	switch {
	case strings.EqualFold(q.Status, "running"):
		status.Status = StatusRunning
	case q.Status == "":
		status.Status = StatusUnknown
	default:
		status.Status = StatusStopped
	}
	return status, nil
}

func isMissingTaskText(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "cannot find") || strings.Contains(lower, "does not exist")
}
