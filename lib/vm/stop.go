package vm

import (
	"context"
)

// Stop drops the service handle, which tears the VM down at once. The guest
// is not notified. Stop on a VM that is not running is a no-op.
func (m *VirtualMachine) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.releaseHandle(ctx) {
		return nil
	}
	m.deps.Metrics.recordStateTransition(ctx, StatusRunning, StatusStopped)
	m.vmLog(ctx).InfoContext(ctx, "vm stopped")
	return nil
}

// releaseHandle drops the service handle, if any, and reports whether there
// was one. Close errors are logged; the handle is gone either way.
func (m *VirtualMachine) releaseHandle(ctx context.Context) bool {
	m.mu.Lock()
	h, unlink := m.handle, m.unlink
	m.handle, m.unlink = nil, nil
	m.mu.Unlock()

	if h == nil {
		return false
	}

	log := m.vmLog(ctx)
	log.DebugContext(ctx, "releasing vm handle")
	unlink()
	if err := h.Close(); err != nil {
		log.WarnContext(ctx, "failed to release vm handle", "error", err)
	}
	return true
}
