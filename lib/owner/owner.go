// Package owner describes the application on whose behalf VMs are managed.
package owner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"
)

// ErrNoCertificates is returned when an application has no signer history.
var ErrNoCertificates = errors.New("application has no signing certificates")

// App is the owning application of a set of VMs. VM state lives under
// FilesDir; the payload is read from the package archive at CodePath.
type App interface {
	// PackageName identifies the application.
	PackageName() string

	// FilesDir is the application-private root for persisted VM state.
	FilesDir() string

	// CodePath returns the path of the application's package archive.
	CodePath() (string, error)

	// SigningCertificates returns the signer history, oldest first.
	SigningCertificates() ([][]byte, error)
}

// Package is an App backed by fixed values.
type Package struct {
	Name  string
	Dir   string
	APK   string
	Certs [][]byte
}

var _ App = (*Package)(nil)

func (p *Package) PackageName() string { return p.Name }

func (p *Package) FilesDir() string { return p.Dir }

// CodePath returns the absolute package archive path. The archive must exist.
func (p *Package) CodePath() (string, error) {
	if p.APK == "" {
		return "", fmt.Errorf("package %s: no code path", p.Name)
	}
	abs, err := filepath.Abs(p.APK)
	if err != nil {
		return "", fmt.Errorf("package %s: resolve code path: %w", p.Name, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("package %s: stat code path: %w", p.Name, err)
	}
	return abs, nil
}

// SigningCertificates returns a copy of the signer history.
func (p *Package) SigningCertificates() ([][]byte, error) {
	if len(p.Certs) == 0 {
		return nil, fmt.Errorf("package %s: %w", p.Name, ErrNoCertificates)
	}
	return lo.Map(p.Certs, func(c []byte, _ int) []byte {
		return append([]byte(nil), c...)
	}), nil
}

// Key identifies an owner for registry lookups. Two App values with the same
// package name and files directory refer to the same owner.
func Key(app App) string {
	return app.PackageName() + "\x00" + filepath.Clean(app.FilesDir())
}
