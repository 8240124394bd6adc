package vm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/onkernel/vmkit/lib/paths"
	"github.com/onkernel/vmkit/lib/vmconfig"
)

// instanceImageSize is the fixed size of the service-managed instance partition.
const instanceImageSize = 10 * datasize.MB

// writeConfig persists cfg to path via temp file and rename so a crash
// leaves either the old or the new config, never a torn one.
func writeConfig(path string, cfg *vmconfig.Config) error {
	var buf bytes.Buffer
	if err := vmconfig.Serialize(cfg, &buf); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}

	// fsync dir so rename is durable across power loss
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open vm directory: %w", err)
	}
	defer d.Close()
	return d.Sync()
}

// readConfig loads the config at path. A missing file is reported as
// os.ErrNotExist; anything unreadable is ErrCorrupted.
func readConfig(path string) (*vmconfig.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := vmconfig.Deserialize(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return cfg, nil
}

// createInstanceImage exclusively creates a zero-filled image of the fixed size.
// The caller owns the returned file.
func createInstanceImage(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create instance image: %w", err)
	}
	if err := f.Truncate(int64(instanceImageSize.Bytes())); err != nil {
		f.Close()
		return nil, fmt.Errorf("size instance image: %w", err)
	}
	return f, nil
}

// ensureFile creates path if absent without truncating existing content.
func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

// removeIfExists removes path, treating absence as success.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// extraIDSigFiles lists the extra APK idsig files present in dir, by index.
func extraIDSigFiles(dir string) []string {
	var files []string
	for i := 0; ; i++ {
		p := paths.ExtraIDSig(dir, i)
		if _, err := os.Lstat(p); err != nil {
			return files
		}
		files = append(files, p)
	}
}

// deleteVMData removes the VM's files in a fixed order and then its
// directory: extra idsigs, config, idsig, instance image.
func deleteVMData(p *paths.Paths, name string) error {
	dir := p.VMDir(name)

	for _, f := range extraIDSigFiles(dir) {
		if err := removeIfExists(f); err != nil {
			return fmt.Errorf("remove extra idsig: %w", err)
		}
	}
	if err := removeIfExists(p.VMConfig(name)); err != nil {
		return fmt.Errorf("remove config: %w", err)
	}
	if err := removeIfExists(p.VMIDSig(name)); err != nil {
		return fmt.Errorf("remove idsig: %w", err)
	}
	if err := removeIfExists(p.VMInstanceImage(name)); err != nil {
		return fmt.Errorf("remove instance image: %w", err)
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove vm directory: %w", err)
	}
	return nil
}
