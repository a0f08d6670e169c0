package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmms-ai/dmms-ai/internal/gateway"
	"github.com/dmms-ai/dmms-ai/internal/telemetry"
)

func newGatewayCommand(a *app) *cobra.Command {
	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Gateway process commands",
	}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway in the foreground (what the service launches)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.gatewayRun(cmd)
		},
	}
	runCmd.Flags().Int("port", 0, "Listen port (default from config)")
	runCmd.Flags().String("bind", "", "Bind mode: loopback, lan or an address (default from config)")
	gatewayCmd.AddCommand(runCmd)
	return gatewayCmd
}

func (a *app) gatewayRun(cmd *cobra.Command) error {
	cfg := a.cfg
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid --port %d", port)
		}
		cfg.Gateway.Port = port
	}
	if cmd.Flags().Changed("bind") {
		cfg.Gateway.Bind, _ = cmd.Flags().GetString("bind")
	}
	ctx := cmd.Context()

	store, err := a.openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	return gateway.Run(ctx, gateway.RunOptions{
		Config:  cfg,
		Getenv:  a.getenv,
		Version: Version,
		Store:   store,
		Bus:     a.bus,
		Logger:  telemetry.Subsystem(a.logger, "gateway"),
		Metrics: a.metrics,
		Tracer:  a.telemetry.Tracer,
		Ready: func(addr string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gateway listening on %s\n", addr)
		},
	})
}
