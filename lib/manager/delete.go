package manager

import (
	"context"

	"github.com/onkernel/vmkit/lib/vm"
)

func (m *manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.getLocked(ctx, name)
	if err != nil {
		return err
	}
	if v == nil {
		return &vm.OpError{Op: "delete", VM: name, Err: vm.ErrNotFound}
	}

	if err := v.Delete(ctx); err != nil {
		return err
	}
	delete(m.vms, name)
	return nil
}
