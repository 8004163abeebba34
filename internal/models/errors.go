package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrNoDrivers     = fmt.Errorf("%w: no drivers available", ErrNotFound)
	ErrCapacity      = errors.New("vehicle capacity insufficient")
	ErrRaceLost      = errors.New("ride request no longer available")
	ErrExternal      = errors.New("external service unavailable")
	ErrDurableCommit = errors.New("could not persist ride and booking")
)

// Validationf builds an ErrValidation with a field-level message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
