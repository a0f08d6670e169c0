package service

import (
	"context"
	"strings"
	"sync"
)

type recordedCall struct {
	Name string
	Args []string
}

func (c recordedCall) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// fakeRunner answers commands from a handler and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []recordedCall
	handler func(name string, args []string) (Result, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Name: name, Args: append([]string(nil), args...)})
	f.mu.Unlock()
	if f.handler == nil {
		return Result{}, nil
	}
	return f.handler(name, args)
}

func (f *fakeRunner) Calls() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func (f *fakeRunner) hasCall(prefix string) bool {
	for _, c := range f.Calls() {
		if strings.HasPrefix(c.String(), prefix) {
			return true
		}
	}
	return false
}

func exitErr(name string, args []string, code int, stderr string) error {
	return &CommandError{Name: name, Args: args, ExitCode: code, Stderr: stderr}
}

func envOf(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}
