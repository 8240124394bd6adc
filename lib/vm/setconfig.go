package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/onkernel/vmkit/lib/vmconfig"
)

// SetConfig replaces the VM's config and returns the previous one. The VM
// must be stopped and cfg must be compatible with the current config;
// otherwise nothing changes.
func (m *VirtualMachine) SetConfig(ctx context.Context, cfg *vmconfig.Config) (*vmconfig.Config, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if cfg == nil {
		return nil, opError("set config", m.name, errors.New("config is required"))
	}

	st, err := m.status(ctx)
	if err != nil {
		return nil, opError("set config", m.name, err)
	}
	if st != StatusStopped {
		return nil, opError("set config", m.name, fmt.Errorf("%w: cannot change config while %s", ErrInvalidState, st))
	}

	old := m.Config()
	if !old.IsCompatibleWith(cfg) {
		return nil, opError("set config", m.name, ErrIncompatibleConfig)
	}

	if err := writeConfig(m.deps.Paths.VMConfig(m.name), cfg); err != nil {
		return nil, opError("set config", m.name, fmt.Errorf("write config: %w", err))
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	m.vmLog(ctx).InfoContext(ctx, "vm config updated",
		"num_cpus", cfg.NumCPUs(), "memory_mib", cfg.MemoryMiB(), "cpu_affinity", cfg.CPUAffinity())
	return old, nil
}
