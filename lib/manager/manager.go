// Package manager is the per-owner registry of VMs. It serializes name
// creation and hands out one VirtualMachine object per name.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/onkernel/vmkit/lib/guest"
	"github.com/onkernel/vmkit/lib/hostcaps"
	"github.com/onkernel/vmkit/lib/logger"
	"github.com/onkernel/vmkit/lib/owner"
	"github.com/onkernel/vmkit/lib/paths"
	"github.com/onkernel/vmkit/lib/virtservice"
	"github.com/onkernel/vmkit/lib/vm"
	"github.com/onkernel/vmkit/lib/vmconfig"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager handles the VMs of one owning application
type Manager interface {
	// Create makes a new VM. It fails with vm.ErrAlreadyExists if name is taken.
	Create(ctx context.Context, name string, cfg *vmconfig.Config) (*vm.VirtualMachine, error)
	// Get returns the VM named name, or nil if there is none.
	Get(ctx context.Context, name string) (*vm.VirtualMachine, error)
	// GetOrCreate returns the existing VM or creates it with cfg.
	GetOrCreate(ctx context.Context, name string, cfg *vmconfig.Config) (*vm.VirtualMachine, error)
	// Delete deletes the VM named name. It fails with vm.ErrNotFound if absent.
	Delete(ctx context.Context, name string) error
	// List returns the names of all VMs on disk, sorted.
	List(ctx context.Context) ([]string, error)
	Capabilities() Capabilities
	App() owner.App
	// Close stops running VMs handed out by this manager and releases its
	// metrics registration.
	Close(ctx context.Context) error
}

// Capabilities describes the VM shapes the host supports.
type Capabilities struct {
	NumCPUs        int  `json:"num_cpus"`
	ProtectedVM    bool `json:"protected_vm"`
	NonProtectedVM bool `json:"non_protected_vm"`
}

// Options configures a Manager. The zero value is usable.
type Options struct {
	// Guest runs guest service dials. Nil selects a vsock pool.
	Guest *guest.Pool
	// Host answers capability queries. Nil selects hostcaps.Detect.
	Host   hostcaps.Host
	Meter  metric.Meter
	Tracer trace.Tracer
}

type manager struct {
	app  owner.App
	deps vm.Deps
	host hostcaps.Host

	// mu guards vms and serializes existence-check-then-create within the
	// process. createLock extends create serialization across processes.
	mu  sync.Mutex
	vms map[string]*vm.VirtualMachine

	metrics *Metrics
}

// NewManager creates a manager for app's VMs on service.
func NewManager(app owner.App, service virtservice.Service, opts Options) (Manager, error) {
	if app == nil {
		return nil, errors.New("owning application is required")
	}
	if service == nil {
		return nil, errors.New("virtualization service is required")
	}

	host := opts.Host
	if host == nil {
		host = hostcaps.Detect()
	}
	pool := opts.Guest
	if pool == nil {
		pool = guest.NewPool(0, nil, nil)
	}

	vmMetrics, err := vm.NewMetrics(opts.Meter, opts.Tracer)
	if err != nil {
		return nil, fmt.Errorf("create vm metrics: %w", err)
	}

	m := &manager{
		app: app,
		deps: vm.Deps{
			Paths:   paths.New(app.FilesDir()),
			Service: service,
			Guest:   pool,
			Metrics: vmMetrics,
		},
		host: host,
		vms:  make(map[string]*vm.VirtualMachine),
	}

	if m.metrics, err = newManagerMetrics(opts.Meter, m); err != nil {
		return nil, fmt.Errorf("create manager metrics: %w", err)
	}
	return m, nil
}

func (m *manager) App() owner.App {
	return m.app
}

func (m *manager) Capabilities() Capabilities {
	return Capabilities{
		NumCPUs:        m.host.NumCPU(),
		ProtectedVM:    m.host.SupportsProtectedVM(),
		NonProtectedVM: m.host.SupportsNonProtectedVM(),
	}
}

func (m *manager) Get(ctx context.Context, name string) (*vm.VirtualMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(ctx, name)
}

// getLocked returns the cached object for name, loading it on first use.
// A cached object is checked against disk first, since other managers over
// the same files dir may have deleted the VM. Gone objects are evicted so a
// re-created name gets a fresh object. Caller must hold m.mu.
func (m *manager) getLocked(ctx context.Context, name string) (*vm.VirtualMachine, error) {
	if v, ok := m.vms[name]; ok {
		exists, err := v.Refresh(ctx)
		if err != nil {
			delete(m.vms, name)
			return nil, err
		}
		if exists {
			return v, nil
		}
		delete(m.vms, name)
	}

	v, err := vm.Load(ctx, m.deps, name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	m.vms[name] = v
	return v, nil
}

func (m *manager) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.deps.Paths.VMRoot())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read vm root: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// cached returns a snapshot of the live objects.
func (m *manager) cached() map[string]*vm.VirtualMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*vm.VirtualMachine, len(m.vms))
	for name, v := range m.vms {
		if !v.Deleted() {
			out[name] = v
		}
	}
	return out
}

func (m *manager) Close(ctx context.Context) error {
	log := logger.FromContext(ctx)

	var errs []error
	for name, v := range m.cached() {
		st, err := v.Status(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if st != vm.StatusRunning {
			continue
		}
		log.InfoContext(ctx, "stopping vm on close", logger.VMKey, name)
		if err := v.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.metrics.unregister(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
