package doctor

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dmms-ai/dmms-ai/internal/ports"
	"github.com/dmms-ai/dmms-ai/internal/service"
	"github.com/dmms-ai/dmms-ai/internal/shared"
)

type styles struct {
	title, label, ok, warn, bad, muted lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{plain, plain, plain, plain, plain, plain}
	}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Render writes the human-readable status report. color enables ANSI styling
// and should only be set when w is a terminal.
func Render(w io.Writer, r Report, color bool) {
	st := newStyles(color)
	line := func(label, value string) {
		fmt.Fprintf(w, "  %s %s\n", st.label.Render(fmt.Sprintf("%-12s", label+":")), value)
	}

	fmt.Fprintln(w, st.title.Render("Service"))
	switch {
	case r.Service.Platform == "":
		line("platform", st.warn.Render("unsupported"))
	case !r.Service.Installed:
		line(r.Service.Label, st.warn.Render("not installed")+" "+st.muted.Render(r.Service.DefinitionPath))
	default:
		line(r.Service.Label, r.Service.Name+" "+st.muted.Render(r.Service.DefinitionPath))
		if def := r.Service.Definition; def != nil {
			line("command", strings.Join(def.ProgramArguments, " "))
			for _, k := range shared.SortedKeys(def.Environment) {
				line("env", k+"="+def.Environment[k])
			}
		}
	}
	if rt := r.Service.Runtime; rt != nil {
		status := rt.Status
		switch status {
		case service.StatusRunning:
			status = st.ok.Render(status)
		case service.StatusStopped:
			status = st.warn.Render(status)
		default:
			status = st.bad.Render(status)
		}
		if rt.PID != nil {
			status += fmt.Sprintf(" (pid %d)", *rt.PID)
		}
		if rt.Detail != "" {
			status += " " + st.muted.Render(rt.Detail)
		}
		line("runtime", status)
	}
	if r.Service.Error != "" {
		line("error", st.bad.Render(r.Service.Error))
	}

	fmt.Fprintln(w, st.title.Render("Gateway"))
	line("port", fmt.Sprintf("%d %s", r.Gateway.Port, st.muted.Render("("+r.Gateway.PortSource+")")))
	line("bind", r.Gateway.Bind)
	line("probe", r.Gateway.ProbeURL)
	line("listener", renderPort(st, r.Port))
	if r.RPC.OK && r.RPC.Status != nil {
		line("rpc", st.ok.Render("ok")+fmt.Sprintf(" %dms version %s pid %d", r.RPC.LatencyMs, r.RPC.Status.Version, r.RPC.Status.PID))
	} else {
		line("rpc", st.bad.Render("failed")+" "+st.muted.Render(r.RPC.Error))
	}

	fmt.Fprintln(w, st.title.Render("Config"))
	line("cli", r.Config.CLI.Path)
	if r.Config.Service != nil && r.Config.Service.Path != "" {
		line("service", r.Config.Service.Path)
	}
	if !r.Config.Mismatch {
		line("drift", st.ok.Render("none"))
	}
	for _, d := range r.Config.Drift {
		line("drift", st.warn.Render(d.Field)+fmt.Sprintf(" config=%s service=%s", d.Config, d.Service))
	}

	if len(r.ExtraServices) > 0 {
		fmt.Fprintln(w, st.title.Render("Other gateway services"))
		for _, h := range r.CleanupHints {
			fmt.Fprintf(w, "  - %s\n", h)
		}
	}
	if len(r.Hints) > 0 {
		fmt.Fprintln(w, st.title.Render("Hints"))
		for _, h := range r.Hints {
			fmt.Fprintf(w, "  - %s\n", h)
		}
	}
}

func renderPort(st styles, r ports.UsageReport) string {
	var out string
	switch r.Status {
	case ports.StatusFree:
		out = st.warn.Render(string(r.Status))
	case ports.StatusInUseBySelf:
		out = st.ok.Render(string(r.Status))
	default:
		out = st.bad.Render(string(r.Status))
	}
	for _, l := range r.Listeners {
		out += " " + l.String()
	}
	if r.Error != "" {
		out += " " + st.muted.Render(r.Error)
	}
	return out
}
