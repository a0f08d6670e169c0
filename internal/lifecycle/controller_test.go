package lifecycle

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmms-ai/dmms-ai/internal/bus"
	"github.com/dmms-ai/dmms-ai/internal/service"
)

func testDefinition(t *testing.T, port int) service.Definition {
	t.Helper()
	def, err := BuildDefinition(InstallSpec{Executable: "/usr/local/bin/dmms-ai", Port: port, Bind: "loopback", StateDir: "/tmp/state"})
	if err != nil {
		t.Fatalf("BuildDefinition: %v", err)
	}
	return def
}

func TestStateMachine(t *testing.T) {
	fake := newFake(t.Name())
	c := New(fake, Options{})
	ctx := context.Background()

	if st, _ := c.State(ctx); st != StateNotInstalled {
		t.Fatalf("initial state = %s", st)
	}
	if _, err := c.Install(ctx, testDefinition(t, 18789), false); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if st, _ := c.State(ctx); st != StateRunning {
		t.Fatalf("after install state = %s", st)
	}
	if res, err := c.Stop(ctx); err != nil || res.Result != ResultStopped {
		t.Fatalf("Stop = %+v, %v", res, err)
	}
	if st, _ := c.State(ctx); st != StateInstalled {
		t.Fatalf("after stop state = %s", st)
	}
	if res, err := c.Uninstall(ctx); err != nil || !res.OK {
		t.Fatalf("Uninstall = %+v, %v", res, err)
	}
	if st, _ := c.State(ctx); st != StateNotInstalled {
		t.Fatalf("after uninstall state = %s", st)
	}
}

func TestInstall_Idempotent(t *testing.T) {
	fake := newFake(t.Name())
	c := New(fake, Options{})
	ctx := context.Background()
	def := testDefinition(t, 18789)

	first, err := c.Install(ctx, def, false)
	if err != nil || first.Result != ResultInstalled {
		t.Fatalf("first install = %+v, %v", first, err)
	}
	second, err := c.Install(ctx, def, false)
	if err != nil || second.Result != ResultAlreadyInstalled {
		t.Fatalf("second install = %+v, %v", second, err)
	}
	got, _ := fake.ReadDefinition(ctx)
	if !slices.Equal(got.ProgramArguments, def.ProgramArguments) {
		t.Fatalf("definition changed: %v", got.ProgramArguments)
	}
	if n := strings.Count(strings.Join(fake.Calls(), ","), "install"); n != 1 {
		t.Fatalf("expected one adapter install, got %d (%v)", n, fake.Calls())
	}

	// A different definition overwrites; force reinstalls the same one.
	if res, err := c.Install(ctx, testDefinition(t, 19001), false); err != nil || res.Result != ResultInstalled {
		t.Fatalf("changed install = %+v, %v", res, err)
	}
	if res, err := c.Install(ctx, testDefinition(t, 19001), true); err != nil || res.Result != ResultInstalled {
		t.Fatalf("forced install = %+v, %v", res, err)
	}
}

func TestStart_RequiresInstalled(t *testing.T) {
	c := New(newFake(t.Name()), Options{})
	_, err := c.Start(context.Background())
	if !errors.Is(err, service.ErrNotInstalled) || !IsNotInstalled(err) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
	if _, err := c.Restart(context.Background()); !errors.Is(err, service.ErrNotInstalled) {
		t.Fatalf("restart: expected ErrNotInstalled, got %v", err)
	}
}

func TestStart_LoadedServiceRestarts(t *testing.T) {
	fake := newFake(t.Name())
	c := New(restartingFake{fake}, Options{})
	ctx := context.Background()
	if _, err := c.Install(ctx, testDefinition(t, 18789), false); err != nil {
		t.Fatal(err)
	}
	res, err := c.Start(ctx)
	if err != nil || res.Result != ResultRestarted {
		t.Fatalf("Start = %+v, %v", res, err)
	}
	if calls := fake.Calls(); calls[len(calls)-1] != "restart" {
		t.Fatalf("expected native restart, calls = %v", calls)
	}
}

func TestStart_UnloadedServiceStarts(t *testing.T) {
	fake := newFake(t.Name())
	c := New(fake, Options{})
	ctx := context.Background()
	if _, err := c.Install(ctx, testDefinition(t, 18789), false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := c.Start(ctx)
	if err != nil || res.Result != ResultStarted {
		t.Fatalf("Start = %+v, %v", res, err)
	}
}

func TestRestart_ComposedFromStopStart(t *testing.T) {
	fake := newFake(t.Name())
	c := New(fake, Options{})
	ctx := context.Background()
	if _, err := c.Install(ctx, testDefinition(t, 18789), false); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	calls := fake.Calls()
	tail := calls[len(calls)-2:]
	if !slices.Equal(tail, []string{"stop", "start"}) {
		t.Fatalf("expected stop then start, calls = %v", calls)
	}
}

func TestStop_NoopWhenStopped(t *testing.T) {
	fake := newFake(t.Name())
	c := New(fake, Options{})
	res, err := c.Stop(context.Background())
	if err != nil || !res.OK || res.Result != ResultNotRunning {
		t.Fatalf("Stop = %+v, %v", res, err)
	}
	if len(fake.Calls()) != 0 {
		t.Fatalf("adapter should not be called, got %v", fake.Calls())
	}
}

func TestFailurePublishesAndPropagates(t *testing.T) {
	fake := newFake(t.Name())
	fake.failOn["install"] = &service.OpError{Tool: "systemctl", Op: "enable", Detail: "Access denied", Err: service.ErrPermissionDenied}
	b := bus.New()
	sub := b.Subscribe("lifecycle.")
	defer b.Unsubscribe(sub)

	c := New(fake, Options{Bus: b})
	res, err := c.Install(context.Background(), testDefinition(t, 18789), false)
	if !errors.Is(err, service.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if res.OK || res.Error == "" || res.Action != OpInstall {
		t.Fatalf("unexpected result: %+v", res)
	}

	var topics []string
	for len(topics) < 2 {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("missing lifecycle events, got %v", topics)
		}
	}
	if !slices.Equal(topics, []string{bus.TopicLifecycleStarted, bus.TopicLifecycleFailed}) {
		t.Fatalf("topics = %v", topics)
	}
}

func TestOperationsSerializedPerService(t *testing.T) {
	fake := newFake(t.Name())
	fake.gate = make(chan struct{})
	a := New(fake, Options{})
	b := New(fake, Options{})
	def := testDefinition(t, 18789)

	var wg sync.WaitGroup
	for _, c := range []*Controller{a, b} {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			_, _ = c.Install(context.Background(), def, true)
		}(c)
	}
	time.Sleep(50 * time.Millisecond)
	close(fake.gate)
	wg.Wait()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.maxSeen != 1 {
		t.Fatalf("expected at most one install in flight, saw %d", fake.maxSeen)
	}
}

func TestCallerCancelDoesNotAbortDispatchedOp(t *testing.T) {
	fake := newFake(t.Name())
	fake.gate = make(chan struct{})
	c := New(fake, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Install(ctx, testDefinition(t, 18789), true)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(fake.gate)
	deadline := time.After(2 * time.Second)
	for {
		if def, _ := fake.ReadDefinition(context.Background()); def != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatched install never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The lock is released once the abandoned install finishes.
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after abandoned install: %v", err)
	}
}

func TestBuildDefinition(t *testing.T) {
	def, err := BuildDefinition(InstallSpec{
		Executable: "/opt/dmms-ai",
		Port:       19001,
		Profile:    "dev",
		StateDir:   "/home/u/.dmms-ai-dev",
		ConfigPath: "/home/u/.dmms-ai-dev/config.yaml",
		Token:      "  tok  ",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/opt/dmms-ai", "gateway", "run", "--port", "19001", "--bind", "loopback"}
	if !slices.Equal(def.ProgramArguments, want) {
		t.Fatalf("args = %v", def.ProgramArguments)
	}
	if def.Environment["DMMS_AI_GATEWAY_TOKEN"] != "tok" || def.Environment["DMMS_AI_PROFILE"] != "dev" {
		t.Fatalf("env = %v", def.Environment)
	}
	snap := def.Snapshot()
	if snap.Port != 19001 || snap.PortSource != service.PortSourceArgs || snap.Token != "tok" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if _, err := BuildDefinition(InstallSpec{Executable: "x", Port: 0}); err == nil {
		t.Fatal("expected error for port 0")
	}
	if _, err := BuildDefinition(InstallSpec{Port: 1}); err == nil {
		t.Fatal("expected error for missing executable")
	}
}

// osRunner answers systemctl and schtasks invocations with canned output.
type osRunner struct {
	mu     sync.Mutex
	calls  []string
	output map[string]string
}

func (r *osRunner) Run(_ context.Context, name string, args ...string) (service.Result, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	for prefix, out := range r.output {
		if strings.HasPrefix(call, prefix) {
			return service.Result{Stdout: out}, nil
		}
	}
	return service.Result{}, nil
}

func (r *osRunner) called(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.ContainsFunc(r.calls, func(c string) bool { return strings.Contains(c, substr) })
}

func TestStop_InstalledButStoppedIsNoop(t *testing.T) {
	tests := []struct {
		name     string
		adapter  func(service.Options) service.Adapter
		env      map[string]string
		showKey  string
		stopped  string
		running  string
		stopCall string
	}{
		{
			name:     "systemd",
			adapter:  func(o service.Options) service.Adapter { return service.NewSystemd(o) },
			env:      map[string]string{"HOME": t.TempDir()},
			showKey:  "systemctl --user show",
			stopped:  "ActiveState=inactive\nSubState=dead\nMainPID=0\n",
			running:  "ActiveState=active\nSubState=running\nMainPID=4242\n",
			stopCall: "systemctl --user stop",
		},
		{
			name:     "schtasks",
			adapter:  func(o service.Options) service.Adapter { return service.NewSchtasks(o) },
			env:      map[string]string{"USERPROFILE": t.TempDir()},
			showKey:  "schtasks /Query /TN DMMS AI Gateway /V",
			stopped:  "Status: Ready\r\nLast Run Result: 0x0\r\n",
			running:  "Status: Running\r\nLast Run Result: 0x41301\r\n",
			stopCall: "schtasks /End",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			getenv := func(k string) string { return tc.env[k] }

			idle := &osRunner{output: map[string]string{tc.showKey: tc.stopped}}
			c := New(tc.adapter(service.Options{Getenv: getenv, Runner: idle}), Options{})
			res, err := c.Stop(context.Background())
			if err != nil || !res.OK || res.Result != ResultNotRunning {
				t.Fatalf("Stop on stopped service = %+v, %v", res, err)
			}
			if idle.called(tc.stopCall) {
				t.Fatalf("stop sent to a stopped service: %v", idle.calls)
			}

			busy := &osRunner{output: map[string]string{tc.showKey: tc.running}}
			c = New(tc.adapter(service.Options{Getenv: getenv, Runner: busy}), Options{})
			res, err = c.Stop(context.Background())
			if err != nil || res.Result != ResultStopped {
				t.Fatalf("Stop on running service = %+v, %v", res, err)
			}
			if !busy.called(tc.stopCall) {
				t.Fatalf("expected %q, got %v", tc.stopCall, busy.calls)
			}
		})
	}
}
