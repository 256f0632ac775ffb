package monitor

import (
	"errors"
	"fmt"
)

// ErrExitLimit is returned by Run when the guest exits more often than
// Options.MaxExits allows.
var ErrExitLimit = errors.New("exit limit reached")

// SetupError is a failure to bring the guest up. There is no retry: it points
// at host or configuration problems.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Setup wraps err as a SetupError for op. It returns nil for a nil err.
func Setup(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SetupError
	if errors.As(err, &se) {
		return err
	}
	return &SetupError{Op: op, Err: err}
}

// UnhandledExitError reports an exit the monitor has no device model for.
type UnhandledExitError struct {
	Code   uint32
	Reason string
}

func (e *UnhandledExitError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unhandled exit reason %d", e.Code)
	}
	return fmt.Sprintf("unhandled exit reason %d (%s)", e.Code, e.Reason)
}
