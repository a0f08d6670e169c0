// Package lifecycle drives install, start, stop, restart and uninstall of
// the gateway service through the one adapter selected at startup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/dmms-ai/dmms-ai/internal/audit"
	"github.com/dmms-ai/dmms-ai/internal/bus"
	"github.com/dmms-ai/dmms-ai/internal/otel"
	"github.com/dmms-ai/dmms-ai/internal/service"
	"github.com/dmms-ai/dmms-ai/internal/shared"
)

// State is the service's position in NotInstalled → Installed → Running.
type State string

const (
	StateNotInstalled State = "not-installed"
	StateInstalled    State = "installed"
	StateRunning      State = "running"
)

// Operations.
const (
	OpInstall   = "install"
	OpUninstall = "uninstall"
	OpStart     = "start"
	OpStop      = "stop"
	OpRestart   = "restart"
)

// Outcomes reported in Result.Result.
const (
	ResultInstalled        = "installed"
	ResultAlreadyInstalled = "already-installed"
	ResultStarted          = "started"
	ResultRestarted        = "restarted"
	ResultStopped          = "stopped"
	ResultNotRunning       = "not-running"
	ResultUninstalled      = "uninstalled"
)

// Result is the JSON shape the CLI prints for a lifecycle command.
type Result struct {
	OK       bool   `json:"ok"`
	Action   string `json:"action"`
	Result   string `json:"result,omitempty"`
	Service  string `json:"service,omitempty"`
	Platform string `json:"platform,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Options struct {
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// Controller owns the selected adapter. Operations against the same
// platform service are serialized process-wide.
type Controller struct {
	adapter service.Adapter
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	sem     *semaphore.Weighted
}

var (
	locksMu sync.Mutex
	locks   = map[string]*semaphore.Weighted{}
)

// serviceLock returns the exclusive section for one platform service.
func serviceLock(adapter service.Adapter) *semaphore.Weighted {
	key := adapter.Name() + "|" + adapter.ServiceName()
	locksMu.Lock()
	defer locksMu.Unlock()
	sem, ok := locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		locks[key] = sem
	}
	return sem
}

func New(adapter service.Adapter, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Controller{
		adapter: adapter,
		logger:  logger,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		tracer:  tracer,
		sem:     serviceLock(adapter),
	}
}

// Adapter returns the adapter chosen at startup.
func (c *Controller) Adapter() service.Adapter { return c.adapter }

// State reads the definition and runtime fresh from the OS.
func (c *Controller) State(ctx context.Context) (State, error) {
	def, err := c.adapter.ReadDefinition(ctx)
	if err != nil {
		return StateNotInstalled, err
	}
	if def == nil {
		return StateNotInstalled, nil
	}
	rt, err := c.adapter.ReadRuntime(ctx)
	if err != nil {
		return StateInstalled, err
	}
	if rt.Status == service.StatusRunning {
		return StateRunning, nil
	}
	return StateInstalled, nil
}

// Install writes def and loads it. Without force an identical loaded
// definition is left untouched; any other definition is overwritten.
func (c *Controller) Install(ctx context.Context, def service.Definition, force bool) (Result, error) {
	return c.run(ctx, OpInstall, func(ctx context.Context) (string, error) {
		if !force {
			existing, err := c.adapter.ReadDefinition(ctx)
			if err != nil {
				c.logger.Debug("read existing definition", "error", err)
			}
			loaded, _ := c.adapter.IsLoaded(ctx)
			if loaded && existing != nil && sameDefinition(*existing, def) {
				return ResultAlreadyInstalled, nil
			}
		}
		if err := c.adapter.Install(ctx, def); err != nil {
			return "", err
		}
		return ResultInstalled, nil
	})
}

// Start requires an installed definition. A loaded service is restarted so
// the current definition takes effect.
func (c *Controller) Start(ctx context.Context) (Result, error) {
	return c.run(ctx, OpStart, func(ctx context.Context) (string, error) {
		if err := c.requireInstalled(ctx); err != nil {
			return "", err
		}
		loaded, err := c.adapter.IsLoaded(ctx)
		if err != nil {
			return "", err
		}
		if loaded {
			if err := c.restart(ctx); err != nil {
				return "", err
			}
			return ResultRestarted, nil
		}
		if err := c.adapter.Start(ctx); err != nil {
			return "", err
		}
		return ResultStarted, nil
	})
}

// Stop is a no-op when the service is not loaded or its runtime reads as
// stopped. An unreadable runtime still gets the stop call.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	return c.run(ctx, OpStop, func(ctx context.Context) (string, error) {
		loaded, err := c.adapter.IsLoaded(ctx)
		if err != nil {
			return "", err
		}
		if !loaded {
			return ResultNotRunning, nil
		}
		rt, err := c.adapter.ReadRuntime(ctx)
		if err != nil {
			c.logger.Debug("read runtime before stop", "service", c.adapter.ServiceName(), "error", err)
		} else if rt.Status == service.StatusStopped {
			return ResultNotRunning, nil
		}
		if err := c.adapter.Stop(ctx); err != nil {
			return "", err
		}
		return ResultStopped, nil
	})
}

func (c *Controller) Restart(ctx context.Context) (Result, error) {
	return c.run(ctx, OpRestart, func(ctx context.Context) (string, error) {
		if err := c.requireInstalled(ctx); err != nil {
			return "", err
		}
		if err := c.restart(ctx); err != nil {
			return "", err
		}
		return ResultRestarted, nil
	})
}

// Uninstall removes the service from any state.
func (c *Controller) Uninstall(ctx context.Context) (Result, error) {
	return c.run(ctx, OpUninstall, func(ctx context.Context) (string, error) {
		if err := c.adapter.Uninstall(ctx); err != nil {
			return "", err
		}
		return ResultUninstalled, nil
	})
}

func (c *Controller) requireInstalled(ctx context.Context) error {
	def, err := c.adapter.ReadDefinition(ctx)
	if err != nil {
		return err
	}
	if def == nil {
		return fmt.Errorf("%s %s: %w", c.adapter.Label(), c.adapter.ServiceName(), service.ErrNotInstalled)
	}
	return nil
}

// restart uses the adapter's primitive when it has one.
func (c *Controller) restart(ctx context.Context) error {
	if r, ok := c.adapter.(service.Restarter); ok {
		return r.Restart(ctx)
	}
	if err := c.adapter.Stop(ctx); err != nil {
		c.logger.Debug("stop before start failed", "service", c.adapter.ServiceName(), "error", err)
	}
	return c.adapter.Start(ctx)
}

type outcome struct {
	result string
	err    error
}

// run serializes op with every other operation on the same service. Once
// dispatched, op runs on a detached context; a cancelled caller stops
// waiting but the OS call still completes and releases the lock.
func (c *Controller) run(ctx context.Context, op string, fn func(context.Context) (string, error)) (Result, error) {
	res := Result{Action: op, Service: c.adapter.ServiceName(), Platform: c.adapter.Name()}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("%s: waiting for in-flight operation: %w", op, err)
	}

	if shared.TraceID(ctx) == "" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithOperation(ctx, op)
	detached := context.WithoutCancel(ctx)
	detached, span := otel.StartSpan(detached, c.tracer, "lifecycle."+op,
		otel.AttrOperation.String(op),
		otel.AttrPlatform.String(c.adapter.Name()),
		otel.AttrService.String(c.adapter.ServiceName()),
	)
	c.publish(bus.TopicLifecycleStarted, op, nil)
	c.logger.Info("lifecycle operation started", "op", op, "service", c.adapter.ServiceName(), "platform", c.adapter.Name(), "trace_id", shared.TraceID(ctx))

	done := make(chan outcome, 1)
	go func() {
		defer c.sem.Release(1)
		started := time.Now()
		result, err := fn(detached)
		c.metrics.RecordLifecycle(detached, op, c.adapter.Name(), time.Since(started), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.publish(bus.TopicLifecycleFailed, op, err)
			audit.RecordContext(detached, audit.OutcomeError, "lifecycle."+op, err.Error(), c.adapter.ServiceName())
			c.logger.Error("lifecycle operation failed", "op", op, "service", c.adapter.ServiceName(), "error", err)
		} else {
			c.publish(bus.TopicLifecycleCompleted, op, nil)
			audit.RecordContext(detached, audit.OutcomeOK, "lifecycle."+op, result, c.adapter.ServiceName())
			c.logger.Info("lifecycle operation completed", "op", op, "service", c.adapter.ServiceName(), "result", result)
		}
		span.End()
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		res.Result = out.result
		if out.err != nil {
			res.Error = shared.Redact(out.err.Error())
			return res, out.err
		}
		res.OK = true
		return res, nil
	case <-ctx.Done():
		res.Error = "caller stopped waiting; operation continues"
		return res, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (c *Controller) publish(topic, op string, err error) {
	if c.bus == nil {
		return
	}
	ev := bus.LifecycleEvent{Operation: op, Service: c.adapter.ServiceName(), Platform: c.adapter.Name()}
	if err != nil {
		ev.Error = shared.Redact(err.Error())
	}
	c.bus.Publish(topic, ev)
}

func sameDefinition(a, b service.Definition) bool {
	return slices.Equal(a.ProgramArguments, b.ProgramArguments) &&
		maps.Equal(a.Environment, b.Environment) &&
		a.WorkingDirectory == b.WorkingDirectory
}

// IsNotInstalled reports whether err means the service has no definition.
func IsNotInstalled(err error) bool { return errors.Is(err, service.ErrNotInstalled) }
