package vm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/onkernel/vmkit/lib/guest"
	"github.com/onkernel/vmkit/lib/virtservice"
	"github.com/onkernel/vmkit/lib/vmconfig"
)

func (d *Deps) validate() error {
	if d.Paths == nil || d.Service == nil {
		return errors.New("vm deps require paths and service")
	}
	if d.Guest == nil {
		d.Guest = guest.NewPool(0, nil, nil)
	}
	return nil
}

// Create makes a new VM named name with cfg. It fails with ErrAlreadyExists
// if the VM directory exists. On failure after the directory is made, the
// directory is removed so the name stays free.
func Create(ctx context.Context, deps Deps, name string, cfg *vmconfig.Config) (v *VirtualMachine, err error) {
	start := time.Now()
	ctx, end := deps.Metrics.startSpan(ctx, "CreateVM")
	defer end()
	defer func() { deps.Metrics.recordCreate(ctx, start, err) }()

	if err := deps.validate(); err != nil {
		return nil, opError("create", name, err)
	}
	if cfg == nil {
		return nil, opError("create", name, errors.New("config is required"))
	}
	if err := deps.Paths.ValidateName(name); err != nil {
		return nil, opError("create", name, err)
	}

	m := newVirtualMachine(deps, name, cfg)
	log := m.vmLog(ctx)
	log.InfoContext(ctx, "creating vm", "num_cpus", cfg.NumCPUs(), "memory_mib", cfg.MemoryMiB())

	// 1. Claim the name with an exclusive mkdir
	if err := os.MkdirAll(deps.Paths.VMRoot(), 0700); err != nil {
		return nil, opError("create", name, fmt.Errorf("create vm root: %w", err))
	}
	dir := deps.Paths.VMDir(name)
	if err := os.Mkdir(dir, 0700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, opError("create", name, ErrAlreadyExists)
		}
		return nil, opError("create", name, fmt.Errorf("create vm directory: %w", err))
	}

	// 2. Persist config
	if err := writeConfig(deps.Paths.VMConfig(name), cfg); err != nil {
		os.RemoveAll(dir) // Cleanup
		log.ErrorContext(ctx, "failed to write config", "error", err)
		return nil, opError("create", name, fmt.Errorf("write config: %w", err))
	}

	// 3. Provision the instance partition
	image, err := createInstanceImage(deps.Paths.VMInstanceImage(name))
	if err != nil {
		os.RemoveAll(dir) // Cleanup
		log.ErrorContext(ctx, "failed to create instance image", "error", err)
		return nil, opError("create", name, err)
	}
	defer image.Close()

	size := int64(instanceImageSize.Bytes())
	if err := deps.Service.InitializeWritablePartition(ctx, image, size, virtservice.PartitionTypeInstance); err != nil {
		os.RemoveAll(dir) // Cleanup
		log.ErrorContext(ctx, "failed to initialize instance partition", "error", err)
		return nil, opError("create", name, serviceError("initialize writable partition", err))
	}

	log.InfoContext(ctx, "vm created", "dir", dir)
	return m, nil
}

// Load opens an existing VM. It returns nil, nil if no VM named name exists.
// A config without an instance image is reported as ErrCorrupted.
func Load(ctx context.Context, deps Deps, name string) (*VirtualMachine, error) {
	if err := deps.validate(); err != nil {
		return nil, opError("load", name, err)
	}
	if err := deps.Paths.ValidateName(name); err != nil {
		return nil, opError("load", name, err)
	}

	cfg, err := readConfig(deps.Paths.VMConfig(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, opError("load", name, err)
	}

	if _, err := os.Stat(deps.Paths.VMInstanceImage(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, opError("load", name, fmt.Errorf("%w: instance image missing", ErrCorrupted))
		}
		return nil, opError("load", name, fmt.Errorf("stat instance image: %w", err))
	}

	m := newVirtualMachine(deps, name, cfg)
	m.vmLog(ctx).DebugContext(ctx, "loaded vm")
	return m, nil
}
