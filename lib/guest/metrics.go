package guest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for guest connections.
type Metrics struct {
	connectTotal    metric.Int64Counter
	connectDuration metric.Float64Histogram
}

// NewMetrics creates guest metrics instruments.
// If meter is nil, returns nil (metrics disabled).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	connectTotal, err := meter.Int64Counter(
		"vmkit_guest_connect_total",
		metric.WithDescription("Total number of guest service connection attempts"),
	)
	if err != nil {
		return nil, err
	}

	connectDuration, err := meter.Float64Histogram(
		"vmkit_guest_connect_duration_seconds",
		metric.WithDescription("Time to establish a guest service connection"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		connectTotal:    connectTotal,
		connectDuration: connectDuration,
	}, nil
}

// RecordConnect records a finished connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, start time.Time, success bool) {
	if m == nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.connectTotal.Add(ctx, 1, attrs)
	m.connectDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}
