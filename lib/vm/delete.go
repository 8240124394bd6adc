package vm

import (
	"context"
	"fmt"
)

// Delete removes the VM's files and directory. The VM must be stopped.
// Deletion destroys the instance secret; a VM later created under the same
// name is unrelated to this one.
func (m *VirtualMachine) Delete(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	log := m.vmLog(ctx)
	log.InfoContext(ctx, "deleting vm")

	st, err := m.status(ctx)
	if err != nil {
		return opError("delete", m.name, err)
	}
	if st != StatusStopped {
		log.ErrorContext(ctx, "invalid state for delete", "status", st.String())
		return opError("delete", m.name, fmt.Errorf("%w: cannot delete from %s, must be stopped", ErrInvalidState, st))
	}

	if err := deleteVMData(m.deps.Paths, m.name); err != nil {
		log.ErrorContext(ctx, "failed to delete vm data", "error", err)
		return opError("delete", m.name, err)
	}

	m.mu.Lock()
	m.deleted = true
	console, logPipe := m.console, m.log
	m.console, m.log = nil, nil
	m.mu.Unlock()
	console.close()
	logPipe.close()

	m.deps.Metrics.recordStateTransition(ctx, StatusStopped, StatusDeleted)
	log.InfoContext(ctx, "vm deleted")
	return nil
}
