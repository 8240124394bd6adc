package vm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for VM lifecycle operations.
type Metrics struct {
	createDuration   metric.Float64Histogram
	runDuration      metric.Float64Histogram
	stateTransitions metric.Int64Counter
	events           metric.Int64Counter
	tracer           trace.Tracer
}

// NewMetrics creates VM metrics instruments.
// If meter is nil, returns nil (metrics disabled).
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	createDuration, err := meter.Float64Histogram(
		"vmkit_vm_create_duration_seconds",
		metric.WithDescription("Time to create a VM"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"vmkit_vm_run_duration_seconds",
		metric.WithDescription("Time from run request until the VM is started"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"vmkit_vm_state_transitions_total",
		metric.WithDescription("Total number of VM status transitions"),
	)
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter(
		"vmkit_vm_events_total",
		metric.WithDescription("Total number of lifecycle events received from the virtualization service"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		createDuration:   createDuration,
		runDuration:      runDuration,
		stateTransitions: stateTransitions,
		events:           events,
		tracer:           tracer,
	}, nil
}

func (m *Metrics) recordDuration(ctx context.Context, histogram metric.Float64Histogram, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	histogram.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) recordCreate(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	m.recordDuration(ctx, m.createDuration, start, err)
}

func (m *Metrics) recordRun(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	m.recordDuration(ctx, m.runDuration, start, err)
}

func (m *Metrics) recordStateTransition(ctx context.Context, from, to Status) {
	if m == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
}

func (m *Metrics) recordEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", kind)))
}

// startSpan starts a tracing span if a tracer is available.
func (m *Metrics) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if m == nil || m.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := m.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}
