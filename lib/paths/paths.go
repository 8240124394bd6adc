// Package paths provides centralized path construction for a VM owner's files directory.
package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// ErrInvalidName is returned for VM names that cannot be used as a directory name.
var ErrInvalidName = errors.New("invalid vm name")

// Filesystem structure:
// {filesDir}/vm/
//   .lock                # advisory lock serializing create across processes
//   {name}/
//     config.xml         # serialized VM config
//     instance.img       # 10 MiB instance partition, managed by the service
//     idsig              # signature of the main payload APK
//     extra_idsig_{i}    # signature of the i-th extra APK
// {filesDir}/logs/
//   {name}.log           # per-VM operations log

// Paths provides typed path construction for an owner's files directory.
type Paths struct {
	filesDir string
}

// New creates a new Paths instance rooted at the owner's files directory.
func New(filesDir string) *Paths {
	return &Paths{filesDir: filesDir}
}

// FilesDir returns the root files directory.
func (p *Paths) FilesDir() string {
	return p.filesDir
}

// VMRoot returns the directory holding one subdirectory per VM.
func (p *Paths) VMRoot() string {
	return filepath.Join(p.filesDir, "vm")
}

// CreateLock returns the path to the advisory create lock file.
func (p *Paths) CreateLock() string {
	return filepath.Join(p.VMRoot(), ".lock")
}

// VMDir returns the directory for a VM. The name must have passed ValidateName.
func (p *Paths) VMDir(name string) string {
	return filepath.Join(p.VMRoot(), name)
}

// VMConfig returns the path to the serialized config of a VM.
func (p *Paths) VMConfig(name string) string {
	return filepath.Join(p.VMDir(name), "config.xml")
}

// VMInstanceImage returns the path to the instance partition image.
func (p *Paths) VMInstanceImage(name string) string {
	return filepath.Join(p.VMDir(name), "instance.img")
}

// VMIDSig returns the path to the idsig of the main payload APK.
func (p *Paths) VMIDSig(name string) string {
	return filepath.Join(p.VMDir(name), "idsig")
}

// VMExtraIDSig returns the path to the idsig of the i-th extra APK.
func (p *Paths) VMExtraIDSig(name string, i int) string {
	return ExtraIDSig(p.VMDir(name), i)
}

// ExtraIDSig returns the idsig path of the i-th extra APK inside vmDir.
func ExtraIDSig(vmDir string, i int) string {
	return filepath.Join(vmDir, "extra_idsig_"+strconv.Itoa(i))
}

// LogsDir returns the directory holding per-VM operation logs.
func (p *Paths) LogsDir() string {
	return filepath.Join(p.filesDir, "logs")
}

// VMLog returns the path to the operations log of a VM.
func (p *Paths) VMLog(name string) string {
	return filepath.Join(p.LogsDir(), name+".log")
}

// ValidateName checks that name maps to exactly one directory directly below VMRoot.
func (p *Paths) ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}

	// securejoin resolves symlinks within the root, so a name that is a
	// symlink pointing elsewhere also lands outside VMRoot and is rejected.
	resolved, err := securejoin.SecureJoin(p.VMRoot(), name)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}
	if filepath.Dir(resolved) != filepath.Clean(p.VMRoot()) {
		return fmt.Errorf("%w: %q escapes %s", ErrInvalidName, name, p.VMRoot())
	}
	return nil
}
