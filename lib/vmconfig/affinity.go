package vmconfig

import (
	"fmt"
	"regexp"
)

var (
	// host CPU list: "0,1-3,5"
	cpuListPattern = regexp.MustCompile(`^\d+(-\d+)?(,\d+(-\d+)?)*$`)
	// vCPU to host CPU pinning: "0=0:1=1"
	cpuPinPattern = regexp.MustCompile(`^\d+=\d+(:\d+=\d+)*$`)
)

// ValidateCPUAffinity checks s against the two affinity grammars. The empty
// string means no affinity and is valid.
func ValidateCPUAffinity(s string) error {
	if s == "" || cpuListPattern.MatchString(s) || cpuPinPattern.MatchString(s) {
		return nil
	}
	return fmt.Errorf("%w: cpu affinity %q is neither a cpu list nor a vcpu=cpu mapping", ErrInvalidConfig, s)
}
