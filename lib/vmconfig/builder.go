package vmconfig

import (
	"context"
	"fmt"

	"github.com/onkernel/vmkit/lib/hostcaps"
	"github.com/onkernel/vmkit/lib/logger"
	"github.com/onkernel/vmkit/lib/owner"
)

// Builder assembles a Config. The zero shape is one CPU, no debug access,
// non-protected, hypervisor-default memory and no affinity.
type Builder struct {
	app               owner.App
	payloadConfigPath string
	debugLevel        DebugLevel
	protectedVM       bool
	memoryMiB         int
	numCPUs           int
	cpuAffinity       string
	host              hostcaps.Host
}

// NewBuilder starts a config for the payload descriptor at payloadConfigPath
// inside app's package archive.
func NewBuilder(app owner.App, payloadConfigPath string) *Builder {
	return &Builder{
		app:               app,
		payloadConfigPath: payloadConfigPath,
		debugLevel:        DebugLevelNone,
		numCPUs:           1,
	}
}

func (b *Builder) DebugLevel(d DebugLevel) *Builder {
	b.debugLevel = d
	return b
}

func (b *Builder) ProtectedVM(protected bool) *Builder {
	b.protectedVM = protected
	return b
}

// MemoryMiB sets guest memory. Values <= 0 select the hypervisor default.
func (b *Builder) MemoryMiB(mib int) *Builder {
	b.memoryMiB = mib
	return b
}

func (b *Builder) NumCPUs(n int) *Builder {
	b.numCPUs = n
	return b
}

func (b *Builder) CPUAffinity(s string) *Builder {
	b.cpuAffinity = s
	return b
}

// Host overrides the capability source. Defaults to hostcaps.Detect.
func (b *Builder) Host(h hostcaps.Host) *Builder {
	b.host = h
	return b
}

// Build validates the requested shape and snapshots the owner's code path
// and signer history. It never returns a partially valid Config.
func (b *Builder) Build(ctx context.Context) (*Config, error) {
	log := logger.FromContext(ctx)

	host := b.host
	if host == nil {
		host = hostcaps.Detect()
	}

	if b.app == nil {
		return nil, fmt.Errorf("%w: no owning application", ErrInvalidConfig)
	}
	if b.payloadConfigPath == "" {
		return nil, fmt.Errorf("%w: payload config path is required", ErrInvalidConfig)
	}
	if !b.debugLevel.valid() {
		return nil, fmt.Errorf("%w: debug level %d", ErrInvalidConfig, b.debugLevel)
	}
	if n := host.NumCPU(); b.numCPUs < 1 || b.numCPUs > n {
		return nil, fmt.Errorf("%w: num cpus %d outside [1, %d]", ErrInvalidConfig, b.numCPUs, n)
	}
	if err := ValidateCPUAffinity(b.cpuAffinity); err != nil {
		return nil, err
	}
	if b.protectedVM && !host.SupportsProtectedVM() {
		return nil, fmt.Errorf("%w: protected VMs are not supported on this host", ErrInvalidConfig)
	}
	if !b.protectedVM && !host.SupportsNonProtectedVM() {
		return nil, fmt.Errorf("%w: non-protected VMs are not supported on this host", ErrInvalidConfig)
	}

	apkPath, err := b.app.CodePath()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !storable(apkPath) {
		return nil, fmt.Errorf("%w: apk path %q is not valid UTF-8 text", ErrInvalidConfig, apkPath)
	}
	if !storable(b.payloadConfigPath) {
		return nil, fmt.Errorf("%w: payload config path %q is not valid UTF-8 text", ErrInvalidConfig, b.payloadConfigPath)
	}
	certs, err := b.app.SigningCertificates()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	memory := b.memoryMiB
	if memory < 0 {
		memory = 0
	}

	log.DebugContext(ctx, "built vm config",
		"package", b.app.PackageName(),
		"num_cpus", b.numCPUs,
		"memory_mib", memory,
		"debug_level", b.debugLevel.String(),
		"protected_vm", b.protectedVM)

	return &Config{
		apkPath:           apkPath,
		payloadConfigPath: b.payloadConfigPath,
		certs:             certs,
		debugLevel:        b.debugLevel,
		protectedVM:       b.protectedVM,
		memoryMiB:         memory,
		numCPUs:           b.numCPUs,
		cpuAffinity:       b.cpuAffinity,
	}, nil
}
