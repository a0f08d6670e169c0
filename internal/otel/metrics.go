package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the control plane's metric instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	LifecycleOps      metric.Int64Counter
	LifecycleDuration metric.Float64Histogram
	ProbeDuration     metric.Float64Histogram
	RPCRequests       metric.Int64Counter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LifecycleOps, err = meter.Int64Counter("dmmsai.lifecycle.ops",
		metric.WithDescription("Service lifecycle operations by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.LifecycleDuration, err = meter.Float64Histogram("dmmsai.lifecycle.duration",
		metric.WithDescription("Service lifecycle operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeDuration, err = meter.Float64Histogram("dmmsai.probe.duration",
		metric.WithDescription("Diagnostic probe duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCRequests, err = meter.Int64Counter("dmmsai.rpc.requests",
		metric.WithDescription("Gateway JSON-RPC requests by method"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("dmmsai.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordLifecycle counts one lifecycle operation and its duration.
func (m *Metrics) RecordLifecycle(ctx context.Context, op, platform string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrOperation.String(op),
		AttrPlatform.String(platform),
		AttrOutcome.String(outcome(err)),
	)
	m.LifecycleOps.Add(ctx, 1, attrs)
	m.LifecycleDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordProbe records one diagnostic probe.
func (m *Metrics) RecordProbe(ctx context.Context, probe string, elapsed time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.ProbeDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		AttrProbe.String(probe),
		attribute.Bool("ok", ok),
	))
}

// RecordRPC counts one JSON-RPC request.
func (m *Metrics) RecordRPC(ctx context.Context, method string, err error) {
	if m == nil {
		return
	}
	m.RPCRequests.Add(ctx, 1, metric.WithAttributes(
		AttrRPCMethod.String(method),
		AttrOutcome.String(outcome(err)),
	))
}

// RecordRateLimitReject counts one rejected request.
func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
