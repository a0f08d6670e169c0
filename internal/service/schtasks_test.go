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

func TestParseSchtasksQuery(t *testing.T) {
	for _, status := range []string{"Ready", "Running"} {
		output := strings.Join([]string{
			`TaskName: \DMMS AI Gateway`,
			"Status: " + status,
			"Last Run Time: 1/8/2026 1:23:45 AM",
			"Last Run Result: 0x0",
		}, "\r\n")
		got := ParseSchtasksQuery(output)
		want := SchtasksQuery{Status: status, LastRunTime: "1/8/2026 1:23:45 AM", LastRunResult: "0x0"}
		if got != want {
			t.Fatalf("got %+v want %+v", got, want)
		}
	}
}

func TestParseTaskResult(t *testing.T) {
	if v := parseTaskResult("0x0"); v == nil || *v != 0 {
		t.Fatalf("0x0 -> %v", v)
	}
	if v := parseTaskResult("0x41303"); v == nil || *v != 267011 {
		t.Fatalf("0x41303 -> %v", v)
	}
	if v := parseTaskResult("N/A"); v != nil {
		t.Fatalf("expected absent for N/A, got %d", *v)
	}
}

func TestResolveTaskScriptPath(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"default", map[string]string{"USERPROFILE": `C:\Users\test`}, filepath.Join(`C:\Users\test`, ".dmms-ai", "gateway.cmd")},
		{"profile", map[string]string{"USERPROFILE": `C:\Users\test`, "DMMS_AI_PROFILE": "jbphoenix"}, filepath.Join(`C:\Users\test`, ".dmms-ai-jbphoenix", "gateway.cmd")},
		{"state dir wins", map[string]string{"USERPROFILE": `C:\Users\test`, "DMMS_AI_PROFILE": "rescue", "DMMS_AI_STATE_DIR": `C:\State\dmms-ai`}, filepath.Join(`C:\State\dmms-ai`, "gateway.cmd")},
		{"HOME fallback", map[string]string{"HOME": "/home/test", "DMMS_AI_PROFILE": "default"}, filepath.Join("/home/test", ".dmms-ai", "gateway.cmd")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ResolveTaskScriptPath(envOf(tc.env)); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func writeTaskScript(t *testing.T, env map[string]string, lines []string) {
	t.Helper()
	path := ResolveTaskScriptPath(envOf(env))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\r\n")), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestSchtasks_ReadDefinition(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  *Definition
	}{
		{
			name:  "quoted program with spaces",
			lines: []string{"@echo off", `"C:/Program Files/Node/node.exe" gateway.js`},
			want:  &Definition{ProgramArguments: []string{"C:/Program Files/Node/node.exe", "gateway.js"}},
		},
		{
			name:  "no command",
			lines: []string{"@echo off", "rem This is just a comment"},
			want:  nil,
		},
		{
			name: "full script",
			lines: []string{
				"@echo off",
				"rem DMMS AI Gateway",
				`cd /d C:\Projects\dmms-ai`,
				"set NODE_ENV=production",
				"set DMMS_AI_PORT=18789",
				"node gateway.js --verbose",
			},
			want: &Definition{
				ProgramArguments: []string{"node", "gateway.js", "--verbose"},
				WorkingDirectory: `C:\Projects\dmms-ai`,
				Environment:      map[string]string{"NODE_ENV": "production", "DMMS_AI_PORT": "18789"},
			},
		},
		{
			name:  "windows backslash paths",
			lines: []string{"@echo off", `"C:\Program Files\nodejs\node.exe" C:\Users\test\AppData\Roaming\npm\node_modules\dmms-ai\dist\index.js gateway --port 18789`},
			want: &Definition{ProgramArguments: []string{
				`C:\Program Files\nodejs\node.exe`,
				`C:\Users\test\AppData\Roaming\npm\node_modules\dmms-ai\dist\index.js`,
				"gateway", "--port", "18789",
			}},
		},
		{
			name:  "UNC paths preserved",
			lines: []string{"@echo off", `"\\fileserver\DMMS AI Share\node.exe" "\\fileserver\DMMS AI Share\dist\index.js" gateway --port 18789`},
			want: &Definition{ProgramArguments: []string{
				`\\fileserver\DMMS AI Share\node.exe`,
				`\\fileserver\DMMS AI Share\dist\index.js`,
				"gateway", "--port", "18789",
			}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := map[string]string{"USERPROFILE": t.TempDir(), "DMMS_AI_PROFILE": "default"}
			writeTaskScript(t, env, tc.lines)
			s := NewSchtasks(Options{Getenv: envOf(env), Runner: &fakeRunner{}})
			got, err := s.ReadDefinition(context.Background())
			if err != nil {
				t.Fatalf("read definition: %v", err)
			}
			if tc.want == nil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected definition")
			}
			got.SourcePath = ""
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestSchtasks_ReadDefinitionMissingScript(t *testing.T) {
	env := map[string]string{"USERPROFILE": t.TempDir()}
	s := NewSchtasks(Options{Getenv: envOf(env), Runner: &fakeRunner{}})
	got, err := s.ReadDefinition(context.Background())
	if err != nil || got != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", got, err)
	}
}

func TestSchtasks_ReadDefinitionFromStateDirOverride(t *testing.T) {
	tmp := t.TempDir()
	env := map[string]string{"USERPROFILE": tmp, "DMMS_AI_STATE_DIR": filepath.Join(tmp, "custom-state")}
	writeTaskScript(t, env, []string{"@echo off", "node gateway.js --from-state-dir"})
	s := NewSchtasks(Options{Getenv: envOf(env), Runner: &fakeRunner{}})
	got, err := s.ReadDefinition(context.Background())
	if err != nil || got == nil {
		t.Fatalf("read definition: %+v, %v", got, err)
	}
	if !reflect.DeepEqual(got.ProgramArguments, []string{"node", "gateway.js", "--from-state-dir"}) {
		t.Fatalf("args = %#v", got.ProgramArguments)
	}
}

func TestSchtasks_InstallRoundTripAndAccessDenied(t *testing.T) {
	env := map[string]string{"USERPROFILE": t.TempDir()}
	runner := &fakeRunner{}
	s := NewSchtasks(Options{Getenv: envOf(env), Runner: runner})
	def := Definition{
		ProgramArguments: []string{`C:\Program Files\DMMS AI\dmms-ai.exe`, "gateway", "run", "--port", "18789"},
		Environment:      map[string]string{"DMMS_AI_STATE_DIR": `C:\Users\test\.dmms-ai`},
		WorkingDirectory: `C:\Users\test`,
	}
	if err := s.Install(context.Background(), def); err != nil {
		t.Fatalf("install: %v", err)
	}
	got, err := s.ReadDefinition(context.Background())
	if err != nil || got == nil {
		t.Fatalf("read back: %+v, %v", got, err)
	}
	got.SourcePath = ""
	if !reflect.DeepEqual(*got, def) {
		t.Fatalf("round trip: %+v", got)
	}
	if !runner.hasCall("schtasks /Create /F /SC ONLOGON") {
		t.Fatalf("expected create call, got %v", runner.Calls())
	}

	denied := &fakeRunner{handler: func(name string, args []string) (Result, error) {
		return Result{}, exitErr(name, args, 1, "ERROR: Access is denied.")
	}}
	s = NewSchtasks(Options{Getenv: envOf(env), Runner: denied})
	err = s.Install(context.Background(), def)
	if err == nil || !strings.Contains(err.Error(), "schtasks create failed") {
		t.Fatalf("expected create failure, got %v", err)
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission classification, got %v", err)
	}
}

func TestSchtasks_ReadRuntime(t *testing.T) {
	runner := &fakeRunner{handler: func(name string, args []string) (Result, error) {
		return Result{Stdout: "Status: Running\r\nLast Run Time: 1/8/2026 1:23:45 AM\r\nLast Run Result: 0x41301\r\n"}, nil
	}}
	s := NewSchtasks(Options{Getenv: envOf(map[string]string{"USERPROFILE": t.TempDir()}), Runner: runner})
	rt, err := s.ReadRuntime(context.Background())
	if err != nil {
		t.Fatalf("read runtime: %v", err)
	}
	if rt.Status != StatusRunning || rt.LastRunResult != "0x41301" || rt.LastExitCode == nil {
		t.Fatalf("unexpected runtime: %+v", rt)
	}
}

func TestSchtasks_HasNoRestartPrimitive(t *testing.T) {
	var a Adapter = NewSchtasks(Options{Getenv: envOf(map[string]string{"USERPROFILE": t.TempDir()}), Runner: &fakeRunner{}})
	if _, ok := a.(Restarter); ok {
		t.Fatalf("schtasks must not implement Restarter")
	}
}

func TestRenderTaskScript_QuotesCmdMetacharacters(t *testing.T) {
	def := Definition{
		ProgramArguments: []string{`C:\DMMS AI\dmms-ai.exe`, "gateway", "run", "--label", "50% & more"},
		Environment: map[string]string{
			"DMMS_AI_GATEWAY_TOKEN": "ab&calc.exe",
			"DMMS_AI_STATE_DIR":     `C:\Users\a%USERNAME%b`,
			"DMMS_AI_NOTE":          "x|y<z>^",
		},
		WorkingDirectory: `C:\Users\100%`,
	}
	script, err := RenderTaskScript("DMMS AI Gateway", def)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		`set "DMMS_AI_GATEWAY_TOKEN=ab&calc.exe"`,
		`set "DMMS_AI_STATE_DIR=C:\Users\a%%USERNAME%%b"`,
		`set "DMMS_AI_NOTE=x|y<z>^"`,
		`cd /d C:\Users\100%%`,
		`"50%% & more"`,
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
	got := ParseTaskScript(script)
	if got == nil || !reflect.DeepEqual(*got, def) {
		t.Fatalf("round trip: %+v", got)
	}
}

func TestRenderTaskScript_RejectsUnquotableValues(t *testing.T) {
	for name, def := range map[string]Definition{
		"quote in env":  {ProgramArguments: []string{"dmms-ai"}, Environment: map[string]string{"T": `a"&b`}},
		"quote in arg":  {ProgramArguments: []string{"dmms-ai", `x"&y`}},
		"newline in wd": {ProgramArguments: []string{"dmms-ai"}, WorkingDirectory: "C:\\a\r\nb"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := RenderTaskScript("DMMS AI Gateway", def); !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestSchtasks_InstallRejectsBeforeWriting(t *testing.T) {
	env := map[string]string{"USERPROFILE": t.TempDir()}
	runner := &fakeRunner{}
	s := NewSchtasks(Options{Getenv: envOf(env), Runner: runner})
	def := Definition{ProgramArguments: []string{"dmms-ai"}, Environment: map[string]string{"T": `a"&b`}}
	if err := s.Install(context.Background(), def); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if _, err := os.Stat(s.DefinitionPath()); !os.IsNotExist(err) {
		t.Fatalf("script should not exist: %v", err)
	}
	if len(runner.Calls()) != 0 {
		t.Fatalf("unexpected calls %v", runner.Calls())
	}
}
