// Package doctor builds the `daemon status` report: the installed service
// definition, its runtime state, a live port probe and an RPC health call,
// plus drift between local config and what the service was launched with.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/dmms-ai/dmms-ai/internal/certs"
	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/gatewayrpc"
	"github.com/dmms-ai/dmms-ai/internal/otel"
	"github.com/dmms-ai/dmms-ai/internal/ports"
	"github.com/dmms-ai/dmms-ai/internal/service"
	"github.com/dmms-ai/dmms-ai/internal/shared"
	"github.com/dmms-ai/dmms-ai/internal/trust"
)

// PortSourceConfig tags a port that came from local config rather than the
// service definition.
const PortSourceConfig = "config default"

type Report struct {
	Timestamp time.Time `json:"timestamp"`
	OS        string    `json:"os"`

	Service ServiceSection    `json:"service"`
	Gateway GatewaySection    `json:"gateway"`
	Config  ConfigSection     `json:"config"`
	Port    ports.UsageReport `json:"port"`
	RPC     gatewayrpc.Probe  `json:"rpc"`

	ExtraServices []service.ExtraService `json:"extraServices,omitempty"`
	CleanupHints  []string               `json:"cleanupHints,omitempty"`
	Hints         []string               `json:"hints,omitempty"`
}

type ServiceSection struct {
	Platform       string                 `json:"platform,omitempty"`
	Label          string                 `json:"label,omitempty"`
	Name           string                 `json:"name,omitempty"`
	DefinitionPath string                 `json:"definitionPath,omitempty"`
	Installed      bool                   `json:"installed"`
	Loaded         bool                   `json:"loaded"`
	Definition     *service.Definition    `json:"definition,omitempty"`
	Runtime        *service.RuntimeStatus `json:"runtime,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

type GatewaySection struct {
	Port       int    `json:"port"`
	PortSource string `json:"portSource"`
	Bind       string `json:"bind"`
	ProbeURL   string `json:"probeUrl"`
	TLS        bool   `json:"tls"`
}

// ConfigSide is one view of where the gateway's config lives.
type ConfigSide struct {
	Path     string `json:"path,omitempty"`
	StateDir string `json:"stateDir,omitempty"`
	Port     int    `json:"port,omitempty"`
}

type ConfigSection struct {
	Mismatch bool        `json:"mismatch"`
	CLI      ConfigSide  `json:"cli"`
	Service  *ConfigSide `json:"service,omitempty"`
	Drift    []Drift     `json:"drift,omitempty"`
}

// Drift is one field where local config and the running service disagree.
// Both values are kept; neither side is preferred.
type Drift struct {
	Field   string `json:"field"`
	Config  string `json:"config"`
	Service string `json:"service"`
}

type Options struct {
	// Adapter is nil on unsupported platforms; the report degrades to unknown.
	Adapter service.Adapter
	Config  config.Config
	Getenv  config.Getenv
	Runner  service.Runner

	Deep       bool
	SystemRoot string

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Diagnose never fails; every problem becomes a report field.
func Diagnose(ctx context.Context, opts Options) Report {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	cfg := opts.Config
	ctx, span := otel.StartSpan(ctx, tracer, "doctor.diagnose")
	defer span.End()

	report := Report{
		Timestamp: time.Now().UTC(),
		OS:        runtime.GOOS,
		Config: ConfigSection{CLI: ConfigSide{
			Path:     cfg.ConfigPath,
			StateDir: cfg.StateDir,
			Port:     cfg.Gateway.Port,
		}},
	}

	// Step 1: the definition decides which port everything else probes.
	var def *service.Definition
	if opts.Adapter != nil {
		report.Service.Platform = opts.Adapter.Name()
		report.Service.Label = opts.Adapter.Label()
		report.Service.Name = opts.Adapter.ServiceName()
		report.Service.DefinitionPath = opts.Adapter.DefinitionPath()

		dctx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout())
		d, err := opts.Adapter.ReadDefinition(dctx)
		cancel()
		if err != nil {
			logger.Debug("read service definition", "error", err)
			report.Service.Error = err.Error()
		}
		def = d
	} else {
		report.Service.Error = service.ErrUnsupportedPlatform.Error()
	}
	if def != nil {
		report.Service.Installed = true
		report.Service.Definition = redactedDefinition(def)
	}

	snap := def.Snapshot()
	report.Gateway = resolveGateway(cfg, snap)
	token := snap.Token
	if token == "" {
		token = cfg.Gateway.Auth.Token
	}

	// Steps 2-4 are independent and joined before the report is built.
	var g errgroup.Group
	g.Go(func() error {
		if opts.Adapter == nil {
			return nil
		}
		started := time.Now()
		rctx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout())
		defer cancel()
		_, rspan := otel.StartSpan(rctx, tracer, "doctor.runtime")
		defer rspan.End()
		loaded, lerr := opts.Adapter.IsLoaded(rctx)
		rt, err := opts.Adapter.ReadRuntime(rctx)
		opts.Metrics.RecordProbe(ctx, "runtime", time.Since(started), err == nil)
		report.Service.Loaded = loaded || rt.Loaded
		if err != nil {
			rt = service.RuntimeStatus{Status: service.StatusUnknown, Detail: err.Error()}
		} else if lerr != nil {
			logger.Debug("service loaded check", "error", lerr)
		}
		report.Service.Runtime = &rt
		return nil
	})
	g.Go(func() error {
		started := time.Now()
		pctx, pspan := otel.StartSpan(ctx, tracer, "doctor.port", otel.AttrPort.Int(report.Gateway.Port))
		defer pspan.End()
		in := &ports.Inspector{
			Runner:  opts.Runner,
			GOOS:    runtime.GOOS,
			Host:    config.ProbeHost(report.Gateway.Bind),
			Timeout: cfg.PortProbeTimeout(),
		}
		report.Port = in.Inspect(pctx, report.Gateway.Port)
		opts.Metrics.RecordProbe(ctx, "port", time.Since(started), report.Port.Status != ports.StatusTimeout)
		return nil
	})
	g.Go(func() error {
		started := time.Now()
		cctx, cspan := otel.StartClientSpan(ctx, tracer, "doctor.rpc", otel.AttrPort.Int(report.Gateway.Port))
		defer cspan.End()
		report.RPC = probeRPC(cctx, cfg, report.Gateway, token)
		opts.Metrics.RecordProbe(ctx, "rpc", time.Since(started), report.RPC.OK)
		return nil
	})
	_ = g.Wait()

	if rt := report.Service.Runtime; rt != nil && rt.PID != nil {
		report.Port = reclassifySelf(report.Port, *rt.PID)
	}

	report.Config.Service, report.Config.Drift = detectDrift(cfg, def, report.RPC)
	report.Config.Mismatch = len(report.Config.Drift) > 0

	if opts.Adapter != nil {
		report.ExtraServices = service.FindExtraServices(opts.Adapter, opts.Getenv, service.ScanOptions{
			Deep:       opts.Deep,
			SystemRoot: opts.SystemRoot,
		})
		report.CleanupHints = service.CleanupHints(report.ExtraServices)
	}
	report.Hints = buildHints(report)

	logger.Info("daemon status", "port", report.Gateway.Port, "port_source", report.Gateway.PortSource,
		"port_status", report.Port.Status, "rpc_ok", report.RPC.OK, "config_mismatch", report.Config.Mismatch)
	return report
}

func resolveGateway(cfg config.Config, snap service.GatewaySnapshot) GatewaySection {
	gw := GatewaySection{
		Port:       cfg.Gateway.Port,
		PortSource: PortSourceConfig,
		Bind:       cfg.Gateway.Bind,
		TLS:        cfg.Gateway.TLS.Enabled,
	}
	if snap.Port > 0 {
		gw.Port = snap.Port
		gw.PortSource = snap.PortSource
	}
	if snap.Bind != "" {
		gw.Bind = snap.Bind
	}
	gw.ProbeURL = gatewayrpc.URLFor(config.ProbeHost(gw.Bind), gw.Port, gw.TLS)
	return gw
}

// probeRPC calls status on the local gateway. With TLS the fingerprint of
// the local certificate file is the pin.
func probeRPC(ctx context.Context, cfg config.Config, gw GatewaySection, token string) gatewayrpc.Probe {
	ep := trust.ManualEndpoint(config.ProbeHost(gw.Bind), gw.Port)
	pins := localPins{}
	if gw.TLS {
		if info, err := certs.Load(cfg.Gateway.TLS.CertPath, cfg.Gateway.TLS.KeyPath); err == nil {
			pins[ep.StableID] = info.Fingerprint
		}
	}
	connector := &trust.Connector{Pins: pins, ManualTLS: gw.TLS}
	target, err := connector.Prepare(ctx, ep)
	if err != nil {
		return gatewayrpc.Probe{URL: gw.ProbeURL, Error: err.Error()}
	}
	client := &gatewayrpc.Client{Token: token, Timeout: cfg.RPCProbeTimeout()}
	return client.Status(ctx, target)
}

type localPins map[string]string

func (p localPins) GetPin(_ context.Context, stableID string) (string, error) {
	return p[stableID], nil
}

// reclassifySelf marks listeners owned by the service's main PID as self.
func reclassifySelf(r ports.UsageReport, pid int) ports.UsageReport {
	if r.Status != ports.StatusInUseByOther || len(r.Listeners) == 0 {
		return r
	}
	for _, l := range r.Listeners {
		if l.PID == nil || *l.PID != pid {
			return r
		}
	}
	r.Status = ports.StatusInUseBySelf
	r.Hints = ports.Hints(r)
	return r
}

func redactedDefinition(def *service.Definition) *service.Definition {
	cp := *def
	cp.ProgramArguments = shared.RedactArgs(def.ProgramArguments)
	cp.Environment = shared.RedactEnv(def.Environment)
	return &cp
}

func buildHints(r Report) []string {
	var hints []string
	if r.Service.Platform != "" && !r.Service.Installed {
		hints = append(hints, fmt.Sprintf("%s not installed. Run: dmms-ai daemon install", r.Service.Label))
	}
	if rt := r.Service.Runtime; rt != nil && r.Service.Installed && rt.Status != service.StatusRunning {
		hints = append(hints, "Service is installed but not running. Run: dmms-ai daemon start")
	}
	hints = append(hints, r.Port.Hints...)
	if !r.RPC.OK && r.RPC.TimedOut {
		hints = append(hints, fmt.Sprintf("Gateway did not answer status at %s in time.", r.RPC.URL))
	}
	if r.Config.Mismatch {
		hints = append(hints, "Config and service disagree. Reinstall to apply local config: dmms-ai daemon install --force")
	}
	return hints
}
