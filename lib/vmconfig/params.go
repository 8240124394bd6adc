package vmconfig

import (
	"fmt"
	"os"

	"github.com/onkernel/vmkit/lib/virtservice"
)

// ServiceConfig converts c into the parameter structure consumed by
// virtservice.Service.CreateVM. The package archive is opened read-only and
// owned by the caller; idsig and instance image files are attached later.
func (c *Config) ServiceConfig() (*virtservice.AppConfig, error) {
	apk, err := os.Open(c.apkPath)
	if err != nil {
		return nil, fmt.Errorf("open package archive: %w", err)
	}
	return &virtservice.AppConfig{
		APK:               apk,
		PayloadConfigPath: c.payloadConfigPath,
		DebugLevel:        virtservice.DebugLevel(c.debugLevel),
		ProtectedVM:       c.protectedVM,
		MemoryMiB:         c.memoryMiB,
		NumCPUs:           c.numCPUs,
		CPUAffinity:       c.cpuAffinity,
		// Applications may not choose task profiles.
		TaskProfiles: []string{},
	}, nil
}
