// Package payload reads the payload descriptor bundled in the owner's
// package archive and derives the extra APK list a VM is launched with.
package payload

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/klauspost/compress/zip"
	"github.com/onkernel/vmkit/lib/paths"
	"github.com/samber/lo"
)

var (
	// ErrDescriptorNotFound is returned when the descriptor path does not name an
	// entry inside the archive.
	ErrDescriptorNotFound = errors.New("payload descriptor not found")

	// ErrInvalidDescriptor is returned when the descriptor cannot be decoded.
	ErrInvalidDescriptor = errors.New("invalid payload descriptor")
)

// Descriptor is the subset of the payload descriptor the host consumes.
// Unknown fields are accepted and ignored.
type Descriptor struct {
	ExtraApks []ExtraApkEntry `json:"extra_apks,omitempty"`
}

// ExtraApkEntry names one additional APK the guest mounts.
type ExtraApkEntry struct {
	Path string `json:"path"`
}

// ExtraApk pairs an extra APK with the idsig file that authenticates it.
type ExtraApk struct {
	Path      string
	IDSigPath string
}

// ReadDescriptor opens the archive at apkPath and decodes the entry named by
// payloadConfigPath.
func ReadDescriptor(apkPath, payloadConfigPath string) (*Descriptor, error) {
	name, err := entryName(payloadConfigPath)
	if err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open package archive %s: %w", apkPath, err)
	}
	defer zr.Close()

	f, err := zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrDescriptorNotFound, payloadConfigPath, apkPath)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", payloadConfigPath, err)
	}

	// ghodss/yaml converts to JSON first, so JSON descriptors decode unchanged.
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, payloadConfigPath, err)
	}
	for i, e := range desc.ExtraApks {
		if e.Path == "" {
			return nil, fmt.Errorf("%w: extra_apks[%d] has no path", ErrInvalidDescriptor, i)
		}
	}
	return &desc, nil
}

// entryName maps a descriptor path to a clean archive entry name.
func entryName(p string) (string, error) {
	name := path.Clean(strings.TrimPrefix(p, "/"))
	if p == "" || name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: %q is outside the archive", ErrDescriptorNotFound, p)
	}
	return name, nil
}

// ExtraApks lists the extra APKs of desc with their idsig paths inside vmDir.
// The i-th entry is always paired with extra_idsig_<i>.
func ExtraApks(desc *Descriptor, vmDir string) []ExtraApk {
	if desc == nil {
		return nil
	}
	return lo.Map(desc.ExtraApks, func(e ExtraApkEntry, i int) ExtraApk {
		return ExtraApk{Path: e.Path, IDSigPath: paths.ExtraIDSig(vmDir, i)}
	})
}
