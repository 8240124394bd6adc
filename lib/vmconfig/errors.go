package vmconfig

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned by Build when the requested shape cannot run on this host.
	ErrInvalidConfig = errors.New("invalid vm config")

	// ErrMalformed is returned when a persisted config cannot be parsed.
	ErrMalformed = errors.New("malformed vm config")

	// ErrMissingField is returned when a persisted config lacks a required field.
	ErrMissingField = errors.New("vm config missing required field")

	// ErrUnsupportedVersion is returned for configs written by a newer schema.
	// It also matches ErrMalformed.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrMalformed)
)
