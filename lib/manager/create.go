package manager

import (
	"context"
	"fmt"
	"os"

	"github.com/onkernel/vmkit/lib/logger"
	"github.com/onkernel/vmkit/lib/vm"
	"github.com/onkernel/vmkit/lib/vmconfig"
	"golang.org/x/sys/unix"
)

func (m *manager) Create(ctx context.Context, name string, cfg *vmconfig.Config) (*vm.VirtualMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lockCreate()
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.createLocked(ctx, name, cfg)
}

func (m *manager) GetOrCreate(ctx context.Context, name string, cfg *vmconfig.Config) (*vm.VirtualMachine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lockCreate()
	if err != nil {
		return nil, err
	}
	defer unlock()

	v, err := m.getLocked(ctx, name)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v, nil
	}
	return m.createLocked(ctx, name, cfg)
}

// createLocked creates and caches a VM. Caller must hold m.mu and the create lock.
func (m *manager) createLocked(ctx context.Context, name string, cfg *vmconfig.Config) (*vm.VirtualMachine, error) {
	v, err := vm.Create(ctx, m.deps, name, cfg)
	if err != nil {
		return nil, err
	}
	m.vms[name] = v
	logger.FromContext(ctx).InfoContext(ctx, "registered vm", logger.VMKey, name, "package", m.app.PackageName())
	return v, nil
}

// lockCreate takes the advisory lock on the owner's create lock file so
// processes sharing a files directory cannot race on one name.
func (m *manager) lockCreate() (func(), error) {
	if err := os.MkdirAll(m.deps.Paths.VMRoot(), 0700); err != nil {
		return nil, fmt.Errorf("create vm root: %w", err)
	}
	f, err := os.OpenFile(m.deps.Paths.CreateLock(), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open create lock: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
