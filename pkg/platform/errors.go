package platform

import (
	"errors"
	"fmt"
)

// ErrTransport matches any *TransportError with errors.Is.
var ErrTransport = errors.New("platform transport error")

// TransportError is a network or authentication failure while calling the
// platform. Op names the boundary operation, e.g. "submit_run".
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: platform returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// NewTransportError wraps err for op.
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// ErrNotFound is returned for unknown conversations, runs or agents.
var ErrNotFound = errors.New("not found")
