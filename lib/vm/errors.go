package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned when creating a VM whose directory already exists
	ErrAlreadyExists = errors.New("vm already exists")

	// ErrNotFound is returned by helpers that require an existing VM.
	// Load reports absence as a nil VM, not as this error.
	ErrNotFound = errors.New("vm not found")

	// ErrCorrupted is returned when on-disk state is incomplete or unreadable
	ErrCorrupted = errors.New("vm state corrupted")

	// ErrInvalidState is returned when an operation is not valid in the current status
	ErrInvalidState = errors.New("invalid state transition")

	// ErrIncompatibleConfig is returned by SetConfig for configs that fail IsCompatibleWith
	ErrIncompatibleConfig = errors.New("incompatible vm config")

	// ErrService wraps failures from the virtualization service
	ErrService = errors.New("virtualization service error")

	// ErrStreamUnavailable is returned for console or log output before the first Run
	ErrStreamUnavailable = errors.New("output stream not available")
)

// OpError records the VM and operation that failed.
type OpError struct {
	Op  string
	VM  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("vm %s: %s: %v", e.VM, e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.VM == name && oe.Op == op {
		return err
	}
	return &OpError{Op: op, VM: name, Err: err}
}

// serviceError marks err as coming from the virtualization service.
func serviceError(call string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrService, call, err)
}
