package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseSystemdShow(t *testing.T) {
	output := strings.Join([]string{
		"ActiveState=inactive",
		"SubState=dead",
		"MainPID=0",
		"ExecMainStatus=2",
		"ExecMainCode=exited",
	}, "\n")
	got := ParseSystemdShow(output)
	if got.ActiveState != "inactive" || got.SubState != "dead" || got.ExecMainCode != "exited" {
		t.Fatalf("unexpected states: %+v", got)
	}
	if got.ExecMainStatus == nil || *got.ExecMainStatus != 2 {
		t.Fatalf("expected ExecMainStatus=2, got %v", got.ExecMainStatus)
	}
	if got.MainPID != nil {
		t.Fatalf("MainPID=0 must be absent, got %d", *got.MainPID)
	}
}

func TestParseSystemdShow_UnparsableNumbersAbsent(t *testing.T) {
	got := ParseSystemdShow("ActiveState=active\nMainPID=abc\nExecMainStatus=\n")
	if got.MainPID != nil || got.ExecMainStatus != nil {
		t.Fatalf("expected absent numbers, got pid=%v status=%v", got.MainPID, got.ExecMainStatus)
	}
	got = ParseSystemdShow("MainPID=4242\n")
	if got.MainPID == nil || *got.MainPID != 4242 {
		t.Fatalf("expected pid 4242, got %v", got.MainPID)
	}
}

func TestResolveSystemdUnitPath(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"default", map[string]string{"HOME": "/home/test"}, "/home/test/.config/systemd/user/dmms-ai-gateway.service"},
		{"profile", map[string]string{"HOME": "/home/test", "DMMS_AI_PROFILE": "jbphoenix"}, "/home/test/.config/systemd/user/dmms-ai-gateway-jbphoenix.service"},
		{"override wins", map[string]string{"HOME": "/home/test", "DMMS_AI_PROFILE": "jbphoenix", "DMMS_AI_SYSTEMD_UNIT": "custom-unit"}, "/home/test/.config/systemd/user/custom-unit.service"},
		{"override with suffix", map[string]string{"HOME": "/home/test", "DMMS_AI_SYSTEMD_UNIT": "custom-unit.service"}, "/home/test/.config/systemd/user/custom-unit.service"},
		{"override trimmed", map[string]string{"HOME": "/home/test", "DMMS_AI_SYSTEMD_UNIT": "  custom-unit  "}, "/home/test/.config/systemd/user/custom-unit.service"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveSystemdUnitPath(envOf(tc.env)); got != filepath.FromSlash(tc.want) {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestParseSystemdExecStart(t *testing.T) {
	got := ParseSystemdExecStart(`/usr/bin/dmms-ai gateway start --name "My Bot"`)
	want := []string{"/usr/bin/dmms-ai", "gateway", "start", "--name", "My Bot"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
	got = ParseSystemdExecStart(`-/usr/bin/dmms-ai run`)
	if got[0] != "/usr/bin/dmms-ai" {
		t.Fatalf("prefix not stripped: %#v", got)
	}
}

func TestParseSystemdUnit(t *testing.T) {
	unit := strings.Join([]string{
		"[Unit]",
		"Description=DMMS AI Gateway",
		"[Service]",
		`ExecStart=/usr/bin/dmms-ai gateway run --port 19001 --name "My \"Bot\""`,
		"WorkingDirectory=/srv/dmms",
		`Environment="DMMS_AI_STATE_DIR=/srv/state dir" DMMS_AI_PROFILE=dev`,
		`Environment="DMMS_AI_GATEWAY_TOKEN= tok "`,
	}, "\n")
	def := ParseSystemdUnit(unit)
	if def == nil {
		t.Fatalf("expected definition")
	}
	wantArgs := []string{"/usr/bin/dmms-ai", "gateway", "run", "--port", "19001", "--name", `My "Bot"`}
	if !reflect.DeepEqual(def.ProgramArguments, wantArgs) {
		t.Fatalf("args = %#v", def.ProgramArguments)
	}
	if def.WorkingDirectory != "/srv/dmms" {
		t.Fatalf("working dir = %q", def.WorkingDirectory)
	}
	if def.Environment["DMMS_AI_STATE_DIR"] != "/srv/state dir" || def.Environment["DMMS_AI_PROFILE"] != "dev" {
		t.Fatalf("env = %#v", def.Environment)
	}
	if def.Environment["DMMS_AI_GATEWAY_TOKEN"] != "tok" {
		t.Fatalf("token not trimmed: %q", def.Environment["DMMS_AI_GATEWAY_TOKEN"])
	}
}

func TestParseSystemdUnit_NoExecStart(t *testing.T) {
	if def := ParseSystemdUnit("[Unit]\nDescription=x\n[Service]\nRestart=always\n"); def != nil {
		t.Fatalf("expected nil, got %+v", def)
	}
}

func newTestSystemd(t *testing.T, runner *fakeRunner, env map[string]string) *Systemd {
	t.Helper()
	if env == nil {
		env = map[string]string{}
	}
	if env["HOME"] == "" {
		env["HOME"] = t.TempDir()
	}
	return NewSystemd(Options{Getenv: envOf(env), Runner: runner})
}

func TestSystemd_StopsResolvedUnit(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSystemd(t, runner, nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	calls := runner.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected availability check and stop, got %v", calls)
	}
	if got := calls[1].Args; !reflect.DeepEqual(got, []string{"--user", "stop", "dmms-ai-gateway.service"}) {
		t.Fatalf("stop args = %#v", got)
	}
}

func TestSystemd_RestartsProfileUnit(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSystemd(t, runner, map[string]string{"DMMS_AI_PROFILE": "work"})
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	calls := runner.Calls()
	if got := calls[len(calls)-1].Args; !reflect.DeepEqual(got, []string{"--user", "restart", "dmms-ai-gateway-work.service"}) {
		t.Fatalf("restart args = %#v", got)
	}
}

func TestSystemd_StopFailureSurfacesDetail(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (Result, error) {
		if len(args) > 1 && args[1] == "stop" {
			return Result{Stderr: "permission denied", ExitCode: 1}, exitErr(name, args, 1, "permission denied")
		}
		return Result{}, nil
	}}
	s := newTestSystemd(t, runner, nil)
	err := s.Stop(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "systemctl stop failed: permission denied") {
		t.Fatalf("unexpected message: %v", err)
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestSystemd_Availability(t *testing.T) {
	ok := newTestSystemd(t, &fakeRunner{}, nil)
	if err := ok.Available(context.Background()); err != nil {
		t.Fatalf("expected available, got %v", err)
	}

	busDown := &fakeRunner{handler: func(name string, args []string) (Result, error) {
		return Result{}, exitErr(name, args, 1, "Failed to connect to bus")
	}}
	s := newTestSystemd(t, busDown, nil)
	err := s.Available(context.Background())
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected ErrUnsupportedPlatform, got %v", err)
	}
}

func TestSystemd_InstallWritesReadableUnit(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestSystemd(t, runner, nil)
	def := Definition{
		ProgramArguments: []string{"/opt/dmms ai/dmms-ai", "gateway", "run", "--port", "18789"},
		Environment:      map[string]string{"DMMS_AI_STATE_DIR": "/tmp/state", "DMMS_AI_GATEWAY_TOKEN": "tok"},
		WorkingDirectory: "/tmp/work",
	}
	ctx := context.Background()
	if err := s.Install(ctx, def); err != nil {
		t.Fatalf("install: %v", err)
	}
	// Install twice: same end state.
	if err := s.Install(ctx, def); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	got, err := s.ReadDefinition(ctx)
	if err != nil {
		t.Fatalf("read definition: %v", err)
	}
	if got == nil {
		t.Fatalf("expected definition after install")
	}
	if !reflect.DeepEqual(got.ProgramArguments, def.ProgramArguments) {
		t.Fatalf("args = %#v", got.ProgramArguments)
	}
	if !reflect.DeepEqual(got.Environment, def.Environment) {
		t.Fatalf("env = %#v", got.Environment)
	}
	if got.SourcePath != s.DefinitionPath() {
		t.Fatalf("source path = %q", got.SourcePath)
	}
	for _, want := range []string{"systemctl --user daemon-reload", "systemctl --user enable dmms-ai-gateway.service", "systemctl --user restart dmms-ai-gateway.service"} {
		if !runner.hasCall(want) {
			t.Fatalf("missing call %q in %v", want, runner.Calls())
		}
	}
}

func TestSystemd_ReadDefinitionMissing(t *testing.T) {
	s := newTestSystemd(t, &fakeRunner{}, nil)
	def, err := s.ReadDefinition(context.Background())
	if err != nil || def != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", def, err)
	}
}

func TestSystemd_ReadDefinitionWithoutCommand(t *testing.T) {
	s := newTestSystemd(t, &fakeRunner{}, nil)
	if err := os.MkdirAll(filepath.Dir(s.DefinitionPath()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.DefinitionPath(), []byte("[Service]\nRestart=always\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	def, err := s.ReadDefinition(context.Background())
	if err != nil || def != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", def, err)
	}
}

func TestSystemd_ReadRuntime(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (Result, error) {
		if len(args) > 1 && args[1] == "show" {
			return Result{Stdout: "ActiveState=active\nSubState=running\nMainPID=321\nExecMainStatus=0\nExecMainCode=\n"}, nil
		}
		return Result{}, nil
	}}
	s := newTestSystemd(t, runner, nil)
	rt, err := s.ReadRuntime(context.Background())
	if err != nil {
		t.Fatalf("read runtime: %v", err)
	}
	if rt.Status != StatusRunning || !rt.Loaded {
		t.Fatalf("unexpected runtime: %+v", rt)
	}
	if rt.PID == nil || *rt.PID != 321 {
		t.Fatalf("pid = %v", rt.PID)
	}
}

func TestSystemd_IsLoadedFalseWhenDisabled(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (Result, error) {
		return Result{Stdout: "disabled"}, exitErr(name, args, 1, "")
	}}
	s := newTestSystemd(t, runner, nil)
	loaded, err := s.IsLoaded(context.Background())
	if err != nil || loaded {
		t.Fatalf("expected false, nil; got %v, %v", loaded, err)
	}
}

func TestRenderSystemdUnit_EscapesSpecifiersAndVariables(t *testing.T) {
	def := Definition{
		ProgramArguments: []string{"/opt/dmms-ai", "gateway", "--label", "cost $5 at 100%", "${HOME}"},
		Environment:      map[string]string{"DMMS_AI_GATEWAY_TOKEN": "a$HOME%h"},
		WorkingDirectory: "/srv/100%",
	}
	unit, err := RenderSystemdUnit("DMMS AI Gateway", def)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		`"cost $$5 at 100%%" $${HOME}`,
		"Environment=DMMS_AI_GATEWAY_TOKEN=a$HOME%%h\n",
		"WorkingDirectory=/srv/100%%\n",
	} {
		if !strings.Contains(unit, want) {
			t.Fatalf("unit missing %q:\n%s", want, unit)
		}
	}
	got := ParseSystemdUnit(unit)
	if got == nil || !reflect.DeepEqual(*got, def) {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestRenderSystemdUnit_RejectsLineBreaks(t *testing.T) {
	def := Definition{ProgramArguments: []string{"/opt/dmms-ai"}, Environment: map[string]string{"T": "a\nExecStartPre=/bin/sh"}}
	if _, err := RenderSystemdUnit("DMMS AI Gateway", def); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}
