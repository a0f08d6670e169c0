package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/dmms-ai/dmms-ai/internal/audit"
	"github.com/dmms-ai/dmms-ai/internal/bus"
	"github.com/dmms-ai/dmms-ai/internal/certs"
	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/cron"
	"github.com/dmms-ai/dmms-ai/internal/discovery"
	"github.com/dmms-ai/dmms-ai/internal/otel"
	"github.com/dmms-ai/dmms-ai/internal/persistence"
)

// RetentionCron runs audit retention once a day.
const RetentionCron = "17 3 * * *"

const shutdownGrace = 5 * time.Second

// RunOptions carries everything the foreground gateway needs.
type RunOptions struct {
	Config  config.Config
	Getenv  config.Getenv
	Version string

	// Store is optional. Without it audit retention is skipped.
	Store   *persistence.Store
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer

	// Ready is called with the bound address once the listener accepts.
	Ready func(addr string)
}

// Run binds the gateway and serves until ctx is cancelled.
func Run(ctx context.Context, opts RunOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := net.JoinHostPort(config.BindHost(cfg.Gateway.Bind), strconv.Itoa(cfg.Gateway.Port))

	var tlsCfg *tls.Config
	var fingerprint string
	if cfg.Gateway.TLS.Enabled {
		info, err := certs.Ensure(certs.Config{
			CertPath: cfg.Gateway.TLS.CertPath,
			KeyPath:  cfg.Gateway.TLS.KeyPath,
			Hosts:    certHosts(cfg.Gateway.Bind),
		})
		if err != nil {
			return fmt.Errorf("gateway tls: %w", err)
		}
		tlsCfg, err = certs.ServerConfig(info.CertPath, info.KeyPath)
		if err != nil {
			return fmt.Errorf("gateway tls: %w", err)
		}
		fingerprint = info.Fingerprint
		logger.Info("gateway tls ready", "fingerprint", fingerprint, "generated", info.Generated, "not_after", info.NotAfter)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		audit.Record(audit.OutcomeError, "gateway.listen", err.Error(), addr)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	port := cfg.Gateway.Port
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	srv := New(Config{
		Port:       port,
		Bind:       cfg.Gateway.Bind,
		TLS:        tlsCfg != nil,
		AuthToken:  cfg.Gateway.Auth.Token,
		ConfigPath: cfg.ConfigPath,
		StateDir:   cfg.StateDir,
		Version:    opts.Version,
		RateLimit:  cfg.Gateway.RateLimit,
		Bus:        opts.Bus,
		Logger:     logger,
		Metrics:    opts.Metrics,
		Tracer:     opts.Tracer,
	})
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	if cfg.Gateway.Discovery.Enabled {
		adv := discovery.NewAdvertiser(discovery.AdvertiseConfig{
			Instance:    cfg.Gateway.Discovery.InstanceName,
			Port:        port,
			TLS:         tlsCfg != nil,
			Fingerprint: fingerprint,
		}, logger)
		if err := adv.Start(); err != nil {
			logger.Warn("dns-sd advertisement failed; continuing without discovery", "error", err)
		} else {
			defer adv.Stop()
		}
	}

	if cfg.ConfigPath != "" {
		watchDrift(ctx, srv, opts, logger)
	}

	sched, err := cron.NewScheduler(cron.Config{
		Jobs:   housekeepingJobs(cfg, opts, srv, logger),
		Logger: logger,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	bound := ln.Addr().String()
	logger.Info("gateway listening", "addr", bound, "tls", tlsCfg != nil, "config", cfg.ConfigPath)
	audit.Record(audit.OutcomeOK, "gateway.listen", "listening", bound)
	if opts.Bus != nil {
		opts.Bus.Publish(bus.TopicGatewayListening, bus.GatewayEvent{Addr: bound, Port: port, TLS: tlsCfg != nil})
	}
	if opts.Ready != nil {
		opts.Ready(bound)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer done()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
		logger.Info("gateway stopped", "addr", bound)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway serve: %w", err)
	}
}

// watchDrift reloads config.yaml on change and flags settings that only a
// restart would apply.
func watchDrift(ctx context.Context, srv *Server, opts RunOptions, logger *slog.Logger) {
	w := config.NewWatcher(opts.Config.ConfigPath, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	running := opts.Config.Fingerprint()
	go func() {
		for range w.Events() {
			next, err := config.LoadEnv(opts.Getenv)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}
			drift := next.Fingerprint() != running
			srv.SetConfigDrift(drift)
			if !drift {
				continue
			}
			msg := fmt.Sprintf("config.yaml now declares port %d bind %s; restart the service to apply", next.Gateway.Port, next.Gateway.Bind)
			logger.Warn("config drift detected", "running_port", opts.Config.Gateway.Port, "declared_port", next.Gateway.Port)
			if opts.Bus != nil {
				opts.Bus.Publish(bus.TopicGatewayConfigDrift, bus.GatewayEvent{Port: next.Gateway.Port, Message: msg})
			}
		}
	}()
}

func housekeepingJobs(cfg config.Config, opts RunOptions, srv *Server, logger *slog.Logger) []cron.Job {
	jobs := []cron.Job{{
		Name: "heartbeat",
		Expr: cfg.Gateway.HeartbeatCron,
		Run: func(ctx context.Context) error {
			st := srv.Status()
			logger.Info("gateway heartbeat", "port", st.Port, "uptime_ms", st.UptimeMs, "clients", srv.ClientCount(), "config_drift", st.ConfigDrift)
			if opts.Bus != nil {
				opts.Bus.Publish(bus.TopicGatewayHeartbeat, bus.GatewayEvent{Port: st.Port, TLS: st.TLS})
			}
			return nil
		},
	}}
	if opts.Store != nil && cfg.AuditRetentionDays > 0 {
		jobs = append(jobs, cron.Job{
			Name: "audit-retention",
			Expr: RetentionCron,
			Run: func(ctx context.Context) error {
				purged, err := opts.Store.RunRetention(ctx, cfg.AuditRetentionDays)
				if err != nil {
					return err
				}
				if purged > 0 {
					logger.Info("audit retention", "purged", purged, "days", cfg.AuditRetentionDays)
				}
				return nil
			},
		})
	}
	return jobs
}

// certHosts lists the SANs for the self-signed certificate.
func certHosts(bind string) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	host := config.BindHost(bind)
	if host != "0.0.0.0" && host != "::" && host != "127.0.0.1" {
		hosts = append(hosts, host)
	}
	return hosts
}
