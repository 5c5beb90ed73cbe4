package device

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRegion = errors.New("invalid region")
	ErrStreamClosed  = errors.New("stream closed")
	ErrInjected      = errors.New("injected fault")
)

// Error is a failed device operation. Once a stream holds an Error every later
// operation on it is skipped.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device op %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
