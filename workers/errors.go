package workers

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when the pool is closed or saturated past the
// caller's deadline.
var ErrUnavailable = errors.New("workers: pool unavailable")

// ErrHandlerNotFound is returned when Dispatch targets an unregistered name.
type ErrHandlerNotFound struct {
	Name string
}

func (e *ErrHandlerNotFound) Error() string {
	return fmt.Sprintf("workers: no handler registered: %s", e.Name)
}
