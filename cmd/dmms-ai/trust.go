package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/discovery"
	"github.com/dmms-ai/dmms-ai/internal/trust"
)

func newPairCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair <host[:port]>",
		Short: "Pin a gateway's TLS certificate after confirming its fingerprint",
		Long: `Pair connects once to read the gateway's certificate fingerprint, shows it,
and pins it only after you type it back (the first 16 hex characters are
enough). Compare it with the fingerprint printed on the gateway host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.pair(cmd, args[0])
		},
	}
	cmd.Flags().String("id", "", "Stable id of a discovered gateway (default: manual endpoint id)")
	cmd.Flags().String("name", "", "Label stored with the pin")
	cmd.Flags().String("confirm", "", "Expected fingerprint; skips the interactive prompt")
	cmd.Flags().Duration("timeout", 5*time.Second, "TLS handshake timeout")
	return cmd
}

func (a *app) pair(cmd *cobra.Command, addr string) error {
	ep, err := trust.ParseManualAddr(addr, config.DefaultGatewayPort)
	if err != nil {
		return err
	}
	if id, _ := cmd.Flags().GetString("id"); strings.TrimSpace(id) != "" {
		ep.StableID = strings.TrimSpace(id)
	}
	if name, _ := cmd.Flags().GetString("name"); strings.TrimSpace(name) != "" {
		ep.Name = strings.TrimSpace(name)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	observed, err := trust.ObserveFingerprint(cmd.Context(), ep.Addr(), timeout)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Gateway %s presented certificate\n  SHA-256 %s\n", ep.Addr(), observed)

	typed, _ := cmd.Flags().GetString("confirm")
	if typed == "" {
		fmt.Fprint(out, "Type the fingerprint (or its first 16 hex characters) to pin it: ")
		line, rerr := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if rerr != nil && line == "" {
			return fmt.Errorf("read confirmation: %w", rerr)
		}
		typed = strings.TrimSpace(line)
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	if err := trust.Pair(cmd.Context(), store, ep, observed, trust.ConfirmTyped(typed)); err != nil {
		if errors.Is(err, trust.ErrPairingDeclined) {
			fmt.Fprintln(cmd.ErrOrStderr(), "fingerprint not confirmed; nothing pinned")
			return &exitError{code: 1}
		}
		return err
	}
	a.logger.Info("gateway pinned", "stable_id", ep.StableID, "addr", ep.Addr())
	fmt.Fprintf(out, "Pinned %s\n", ep.StableID)
	return nil
}

func newUnpairCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <stableId>",
		Short: "Remove a pinned gateway fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			removed, err := store.DeletePin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.ErrOrStderr(), "no pin for %s\n", args[0])
				return &exitError{code: 1}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed pin for %s\n", args[0])
			return nil
		},
	}
}

func newPinsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pins",
		Short: "List pinned gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			pins, err := store.ListPins(cmd.Context())
			if err != nil {
				return err
			}
			if jsonFlag(cmd) {
				return printJSON(cmd.OutOrStdout(), pins)
			}
			if len(pins) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pinned gateways.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STABLE ID\tLABEL\tFINGERPRINT\tUPDATED")
			for _, p := range pins {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.StableID, p.Label, p.Fingerprint, p.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "Output in JSON format")
	return cmd
}

// discoveredGateway is one browse result with the trust decision the client
// would apply to it.
type discoveredGateway struct {
	Endpoint trust.Endpoint  `json:"endpoint"`
	Decision *trust.Decision `json:"decision"`
}

func newDiscoverCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for gateways",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			bctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			endpoints, err := discovery.Browse(bctx)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			found := make([]discoveredGateway, 0, len(endpoints))
			for _, ep := range endpoints {
				pin, err := store.GetPin(cmd.Context(), ep.StableID)
				if err != nil {
					return err
				}
				found = append(found, discoveredGateway{Endpoint: ep, Decision: trust.Resolve(ep, pin, a.cfg.Client.ManualTLS)})
			}
			return printDiscovered(cmd, found)
		},
	}
	cmd.Flags().Bool("json", false, "Output in JSON format")
	cmd.Flags().Duration("timeout", 3*time.Second, "How long to browse")
	return cmd
}

func printDiscovered(cmd *cobra.Command, found []discoveredGateway) error {
	if jsonFlag(cmd) {
		return printJSON(cmd.OutOrStdout(), found)
	}
	if len(found) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No gateways found.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STABLE ID\tNAME\tADDRESS\tTRUST")
	for _, g := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.Endpoint.StableID, g.Endpoint.Name, g.Endpoint.Addr(), trustLabel(g.Decision))
	}
	return tw.Flush()
}

func trustLabel(d *trust.Decision) string {
	switch {
	case d == nil:
		return "plaintext"
	case d.Pinned():
		return "tls pinned"
	default:
		return "tls, pair before connecting"
	}
}
