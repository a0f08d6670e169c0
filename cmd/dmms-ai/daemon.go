package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/doctor"
	"github.com/dmms-ai/dmms-ai/internal/lifecycle"
	"github.com/dmms-ai/dmms-ai/internal/shared"
	"github.com/dmms-ai/dmms-ai/internal/telemetry"
)

func newDaemonCommand(a *app) *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the gateway background service",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report service state, port owner, RPC health and config drift",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.daemonStatus(cmd)
		},
	}
	statusCmd.Flags().Bool("json", false, "Output in JSON format")
	statusCmd.Flags().Bool("deep", false, "Also scan system-wide service directories")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the gateway as a background service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.daemonInstall(cmd)
		},
	}
	installCmd.Flags().Bool("json", false, "Output in JSON format")
	installCmd.Flags().Int("port", 0, "Gateway port (default from config)")
	installCmd.Flags().String("bind", "", "Gateway bind mode: loopback, lan or an address (default from config)")
	installCmd.Flags().Bool("force", false, "Reinstall even when an identical definition exists")

	daemonCmd.AddCommand(statusCmd, installCmd)
	for _, op := range []string{lifecycle.OpStart, lifecycle.OpStop, lifecycle.OpRestart, lifecycle.OpUninstall} {
		daemonCmd.AddCommand(newLifecycleCommand(a, op))
	}
	return daemonCmd
}

func newLifecycleCommand(a *app, op string) *cobra.Command {
	short := map[string]string{
		lifecycle.OpStart:     "Start the gateway service (restarts it when already loaded)",
		lifecycle.OpStop:      "Stop the gateway service",
		lifecycle.OpRestart:   "Restart the gateway service",
		lifecycle.OpUninstall: "Stop and remove the gateway service",
	}[op]
	cmd := &cobra.Command{
		Use:   op,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl, res, ok := a.controller(op)
			if !ok {
				return a.reportLifecycle(cmd, res, nil)
			}
			var err error
			switch op {
			case lifecycle.OpStart:
				res, err = ctrl.Start(cmd.Context())
			case lifecycle.OpStop:
				res, err = ctrl.Stop(cmd.Context())
			case lifecycle.OpRestart:
				res, err = ctrl.Restart(cmd.Context())
			case lifecycle.OpUninstall:
				res, err = ctrl.Uninstall(cmd.Context())
			}
			return a.reportLifecycle(cmd, res, err)
		},
	}
	cmd.Flags().Bool("json", false, "Output in JSON format")
	return cmd
}

// controller builds the lifecycle controller. On an unsupported platform it
// returns a failed Result instead.
func (a *app) controller(op string) (*lifecycle.Controller, lifecycle.Result, bool) {
	adapter, err := a.adapter()
	if err != nil {
		return nil, lifecycle.Result{OK: false, Action: op, Error: shared.Redact(err.Error())}, false
	}
	if _, serr := a.openStore(); serr != nil {
		a.logger.Warn("audit database unavailable", "error", serr)
	}
	return lifecycle.New(adapter, lifecycle.Options{
		Logger:  telemetry.Subsystem(a.logger, "lifecycle"),
		Bus:     a.bus,
		Metrics: a.metrics,
		Tracer:  a.telemetry.Tracer,
	}), lifecycle.Result{}, true
}

func (a *app) reportLifecycle(cmd *cobra.Command, res lifecycle.Result, err error) error {
	if err != nil && res.Error == "" {
		res.OK = false
		res.Error = shared.Redact(err.Error())
	}
	if jsonFlag(cmd) {
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	} else if res.OK {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s %s)\n", res.Action, res.Result, res.Platform, res.Service)
	} else {
		fmt.Fprintf(cmd.ErrOrStderr(), "daemon %s failed: %s\n", res.Action, res.Error)
	}
	if !res.OK {
		return &exitError{code: 1}
	}
	return nil
}

func (a *app) daemonInstall(cmd *cobra.Command) error {
	port, _ := cmd.Flags().GetInt("port")
	bind, _ := cmd.Flags().GetString("bind")
	force, _ := cmd.Flags().GetBool("force")
	if port == 0 {
		port = a.cfg.Gateway.Port
	}
	if bind == "" {
		bind = a.cfg.Gateway.Bind
	}

	ctrl, res, ok := a.controller(lifecycle.OpInstall)
	if !ok {
		return a.reportLifecycle(cmd, res, nil)
	}
	exe, err := a.executable()
	if err == nil {
		exe, err = filepath.Abs(exe)
	}
	if err != nil {
		return a.reportLifecycle(cmd, lifecycle.Result{Action: lifecycle.OpInstall}, fmt.Errorf("locate executable: %w", err))
	}
	wd, _ := os.Getwd()
	def, err := lifecycle.BuildDefinition(lifecycle.InstallSpec{
		Executable:       exe,
		Port:             port,
		Bind:             bind,
		Profile:          a.cfg.Profile,
		StateDir:         a.cfg.StateDir,
		ConfigPath:       a.cfg.ConfigPath,
		Token:            a.cfg.Gateway.Auth.Token,
		WorkingDirectory: wd,
	})
	if err != nil {
		return a.reportLifecycle(cmd, lifecycle.Result{Action: lifecycle.OpInstall}, err)
	}
	res, err = ctrl.Install(cmd.Context(), def, force)
	return a.reportLifecycle(cmd, res, err)
}

func (a *app) daemonStatus(cmd *cobra.Command) error {
	deep, _ := cmd.Flags().GetBool("deep")
	opts := doctor.Options{
		Config:  a.cfg,
		Getenv:  a.getenv,
		Runner:  a.runner,
		Deep:    deep,
		Logger:  telemetry.Subsystem(a.logger, "doctor"),
		Metrics: a.metrics,
		Tracer:  a.telemetry.Tracer,
	}
	adapter, err := a.adapter()
	if err != nil {
		a.logger.Debug("no service adapter", "error", err)
	} else {
		opts.Adapter = adapter
	}
	report := doctor.Diagnose(cmd.Context(), opts)
	report.Hints = profileHints(report.Hints, a.getenv)

	if jsonFlag(cmd) {
		return printJSON(cmd.OutOrStdout(), report)
	}
	doctor.Render(cmd.OutOrStdout(), report, colorEnabled(cmd.OutOrStdout(), a.getenv))
	return nil
}

// profileHints rewrites suggested commands so they target the active profile.
func profileHints(hints []string, getenv config.Getenv) []string {
	out := make([]string, len(hints))
	for i, h := range hints {
		out[i] = config.FormatCLICommand(h, getenv)
	}
	return out
}
