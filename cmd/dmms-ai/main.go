package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmms-ai/dmms-ai/internal/audit"
	"github.com/dmms-ai/dmms-ai/internal/bus"
	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/otel"
	"github.com/dmms-ai/dmms-ai/internal/persistence"
	"github.com/dmms-ai/dmms-ai/internal/service"
	"github.com/dmms-ai/dmms-ai/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// exitError carries a process exit code for failures already reported to
// the operator.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// app holds process-level dependencies. Tests replace the environment, the
// platform and the adapter constructor.
type app struct {
	getenv     config.Getenv
	setenv     func(string, string) error
	goos       string
	executable func() (string, error)
	runner     service.Runner
	resolve    func(goos string, opts service.Options) (service.Adapter, error)

	profile string
	dev     bool

	cfg       config.Config
	logger    *slog.Logger
	bus       *bus.Bus
	store     *persistence.Store
	closer    io.Closer
	telemetry *otel.Provider
	metrics   *otel.Metrics
}

func newApp() *app {
	return &app{
		getenv:     os.Getenv,
		setenv:     os.Setenv,
		goos:       runtime.GOOS,
		executable: os.Executable,
		resolve:    service.Resolve,
		bus:        bus.New(),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, newApp(), os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	a.close()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(stderr, "error:", err)
	return 1
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "dmms-ai",
		Short:         "Gateway control plane: service lifecycle, diagnostics and trust",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.profile, "profile", "", "Isolate state under ~/.dmms-ai-<name>")
	root.PersistentFlags().BoolVar(&a.dev, "dev", false, "Shortcut for --profile dev (gateway port 19001)")
	root.MarkFlagsMutuallyExclusive("profile", "dev")

	root.AddCommand(
		newDaemonCommand(a),
		newGatewayCommand(a),
		newPairCommand(a),
		newUnpairCommand(a),
		newPinsCommand(a),
		newDiscoverCommand(a),
		newAuditCommand(a),
		newVersionCommand(),
	)
	return root
}

// setup applies the profile to the environment, loads config and opens the
// log files. Only `gateway run` also logs to stderr.
func (a *app) setup(cmd *cobra.Command) error {
	profile := a.profile
	if a.dev {
		profile = "dev"
	}
	if err := config.ApplyProfileEnv(profile, a.getenv, a.setenv); err != nil {
		return fmt.Errorf("apply profile: %w", err)
	}
	cfg, err := config.LoadEnv(a.getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	quiet := cmd.CommandPath() != "dmms-ai gateway run"
	logger, closer, err := telemetry.NewLogger(cfg.StateDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("open logs: %w", err)
	}
	a.logger = logger
	a.closer = closer
	if err := audit.Init(cfg.StateDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	if a.runner == nil {
		a.runner = service.ExecRunner{Timeout: cfg.CommandTimeout()}
	}
	a.initTelemetry(cmd)
	logger.Debug("command start", "command", cmd.CommandPath(), "profile", cfg.Profile, "state_dir", cfg.StateDir)
	return nil
}

// initTelemetry builds the tracer and meter every command shares. Exported
// spans never go to stdout, which carries command output.
func (a *app) initTelemetry(cmd *cobra.Command) {
	tc := otel.ConfigFrom(a.cfg.Telemetry, Version)
	tc.Writer = cmd.ErrOrStderr()
	provider, err := otel.Init(cmd.Context(), tc)
	if err != nil {
		a.logger.Warn("telemetry disabled", "error", err)
		provider, _ = otel.Init(cmd.Context(), otel.Config{})
	}
	a.telemetry = provider
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		a.logger.Warn("metrics unavailable", "error", err)
		metrics = nil
	}
	a.metrics = metrics
}

// openStore opens the pin and audit database once per process and routes
// audit records into it.
func (a *app) openStore() (*persistence.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.PinDBPath()), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	store, err := persistence.Open(a.cfg.PinDBPath(), a.bus)
	if err != nil {
		return nil, err
	}
	audit.SetDB(store.DB())
	a.store = store
	return store, nil
}

// adapter selects the platform service manager. The error is
// service.ErrUnsupportedPlatform on unknown systems.
func (a *app) adapter() (service.Adapter, error) {
	return a.resolve(a.goos, service.Options{
		Getenv: a.getenv,
		Runner: a.runner,
		Logger: telemetry.Subsystem(a.logger, "service"),
		LogDir: filepath.Join(a.cfg.StateDir, "logs"),
	})
}

func (a *app) close() {
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.telemetry.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
		cancel()
		a.telemetry = nil
	}
	if a.store != nil {
		audit.SetDB(nil)
		if err := a.store.Close(); err != nil && a.logger != nil {
			a.logger.Warn("close store", "error", err)
		}
		a.store = nil
	}
	if a.closer != nil {
		_ = a.closer.Close()
		a.closer = nil
	}
}
