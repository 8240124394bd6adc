// Package hostcaps reports which VM shapes the host hypervisor can run.
package hostcaps

import (
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	kvmDevice       = "/dev/kvm"
	kvmProtectedSys = "/sys/module/kvm/parameters/protected"
)

// Host exposes the capability flags consulted when a VM config is built.
type Host interface {
	// NumCPU returns the number of logical CPUs usable by VMs.
	NumCPU() int

	// SupportsProtectedVM reports whether guests can be isolated from host memory access.
	SupportsProtectedVM() bool

	// SupportsNonProtectedVM reports whether ordinary guests can run.
	SupportsNonProtectedVM() bool
}

// Static is a Host with fixed answers.
type Static struct {
	CPUs         int
	Protected    bool
	NonProtected bool
}

func (s Static) NumCPU() int                  { return s.CPUs }
func (s Static) SupportsProtectedVM() bool    { return s.Protected }
func (s Static) SupportsNonProtectedVM() bool { return s.NonProtected }

// Detect probes the running host once and returns the result as a Static.
func Detect() Static {
	kvm := unix.Access(kvmDevice, unix.R_OK|unix.W_OK) == nil
	return Static{
		CPUs:         runtime.NumCPU(),
		Protected:    kvm && protectedModeEnabled(kvmProtectedSys),
		NonProtected: kvm,
	}
}

// protectedModeEnabled reads a kvm module boolean parameter ("Y"/"1").
func protectedModeEnabled(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	switch strings.TrimSpace(string(data)) {
	case "Y", "y", "1":
		return true
	default:
		return false
	}
}
