// Package vmconfig defines the immutable hardware and payload shape of a VM,
// its builder, and its persisted form.
package vmconfig

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/samber/lo"
)

// DebugLevel is the debug exposure of a VM. Larger values expose more.
type DebugLevel int

const (
	DebugLevelNone DebugLevel = iota
	DebugLevelAppOnly
	DebugLevelFull
)

func (d DebugLevel) String() string {
	switch d {
	case DebugLevelNone:
		return "none"
	case DebugLevelAppOnly:
		return "app_only"
	case DebugLevelFull:
		return "full"
	default:
		return fmt.Sprintf("DebugLevel(%d)", int(d))
	}
}

// ParseDebugLevel maps the String form back to a DebugLevel.
func ParseDebugLevel(s string) (DebugLevel, error) {
	switch s {
	case "none", "":
		return DebugLevelNone, nil
	case "app_only":
		return DebugLevelAppOnly, nil
	case "full":
		return DebugLevelFull, nil
	default:
		return 0, fmt.Errorf("%w: unknown debug level %q", ErrInvalidConfig, s)
	}
}

func (d DebugLevel) valid() bool {
	return d >= DebugLevelNone && d <= DebugLevelFull
}

// Config describes a VM. It is immutable; use a Builder to make one.
type Config struct {
	apkPath           string
	payloadConfigPath string
	certs             [][]byte
	debugLevel        DebugLevel
	protectedVM       bool
	memoryMiB         int
	numCPUs           int
	cpuAffinity       string
}

// APKPath is the owner's package archive captured at build time.
func (c *Config) APKPath() string { return c.apkPath }

// PayloadConfigPath is the payload descriptor path inside the package archive.
func (c *Config) PayloadConfigPath() string { return c.payloadConfigPath }

// Certs returns a copy of the signer history captured at build time.
func (c *Config) Certs() [][]byte {
	return lo.Map(c.certs, func(b []byte, _ int) []byte { return bytes.Clone(b) })
}

func (c *Config) DebugLevel() DebugLevel { return c.debugLevel }

func (c *Config) ProtectedVM() bool { return c.protectedVM }

// MemoryMiB is the guest memory size; zero means the hypervisor default.
func (c *Config) MemoryMiB() int { return c.memoryMiB }

func (c *Config) NumCPUs() int { return c.numCPUs }

// CPUAffinity is empty when no affinity is requested.
func (c *Config) CPUAffinity() string { return c.cpuAffinity }

// IsCompatibleWith reports whether a VM created with c may be switched to
// other. Signer history (in order), debug level and protection mode must
// match; CPU, memory and affinity may differ.
func (c *Config) IsCompatibleWith(other *Config) bool {
	if other == nil {
		return false
	}
	return certsEqual(c.certs, other.certs) &&
		c.debugLevel == other.debugLevel &&
		c.protectedVM == other.protectedVM
}

// Equal reports whether every field of c and other is equal.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.apkPath == other.apkPath &&
		c.payloadConfigPath == other.payloadConfigPath &&
		certsEqual(c.certs, other.certs) &&
		c.debugLevel == other.debugLevel &&
		c.protectedVM == other.protectedVM &&
		c.memoryMiB == other.memoryMiB &&
		c.numCPUs == other.numCPUs &&
		c.cpuAffinity == other.cpuAffinity
}

func certsEqual(a, b [][]byte) bool {
	return slices.EqualFunc(a, b, bytes.Equal)
}
