package manager

import (
	"context"

	"github.com/onkernel/vmkit/lib/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the registry-level instruments.
type Metrics struct {
	registration metric.Registration
}

// newManagerMetrics registers an observable gauge of VMs by status.
// If meter is nil, returns nil (metrics disabled).
func newManagerMetrics(meter metric.Meter, m *manager) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	vmsTotal, err := meter.Int64ObservableGauge(
		"vmkit_vms_total",
		metric.WithDescription("Total number of VMs by status"),
	)
	if err != nil {
		return nil, err
	}

	pkg := attribute.String("package", m.app.PackageName())
	reg, err := meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			names, err := m.List(ctx)
			if err != nil {
				return nil
			}
			live := m.cached()
			counts := make(map[vm.Status]int64)
			for _, name := range names {
				st := vm.StatusStopped
				if v, ok := live[name]; ok {
					if s, err := v.Status(ctx); err == nil {
						st = s
					}
				}
				counts[st]++
			}
			for _, st := range []vm.Status{vm.StatusStopped, vm.StatusRunning} {
				o.ObserveInt64(vmsTotal, counts[st],
					metric.WithAttributes(pkg, attribute.String("status", st.String())))
			}
			return nil
		},
		vmsTotal,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{registration: reg}, nil
}

func (m *Metrics) unregister() error {
	if m == nil || m.registration == nil {
		return nil
	}
	err := m.registration.Unregister()
	m.registration = nil
	return err
}
