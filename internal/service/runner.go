package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Result holds captured output of a service manager command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes service manager commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// CommandError is returned when a command exits non-zero or cannot run.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Name, strings.Join(e.Args, " "), e.Detail())
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrPermissionDenied) match denials reported in the
// tool's output.
func (e *CommandError) Is(target error) bool {
	return target == ErrPermissionDenied && isPermissionText(e.Stderr+"\n"+e.Stdout)
}

// Detail is the most useful single line of diagnostic text.
func (e *CommandError) Detail() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		return s
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.ExitCode)
}

func isPermissionText(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"permission denied", "access is denied", "operation not permitted", "not privileged", "access denied"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ExecRunner runs commands with os/exec, bounding each by Timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return res, &CommandError{Name: name, Args: args, ExitCode: -1, Err: fmt.Errorf("%s not found: %w", name, ErrUnsupportedPlatform)}
	}
	if ctx.Err() != nil {
		return res, &CommandError{Name: name, Args: args, ExitCode: -1, Stdout: res.Stdout, Stderr: res.Stderr,
			Err: fmt.Errorf("%s timed out: %w", name, ctx.Err())}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	return res, &CommandError{Name: name, Args: args, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr, Err: err}
}
