package conn

import (
	"errors"
	"fmt"
)

// Sentinel errors classify Connection failures. Wrap with fmt.Errorf's %w
// verb so callers can test with errors.Is instead of string matching,
// matching the pattern used across the rest of this module for config
// and telemetry errors.
var (
	ErrBadArgument              = errors.New("bad argument")
	ErrWrongState               = errors.New("wrong state for operation")
	ErrAlreadyInitialized       = errors.New("already initialized")
	ErrInitializationFailed     = errors.New("initialization failed")
	ErrMemoryRegistrationFailed = errors.New("memory registration failed")
	ErrNoBuffer                 = errors.New("no buffer available")
	ErrCancelled                = errors.New("operation cancelled")
	ErrConnClosed               = errors.New("connection closed")
	ErrFabricError              = errors.New("fabric error")
)

// OpError names the operation an error occurred in, wrapping one of the
// sentinels above so callers can classify it with errors.Is.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("conn: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	return &OpError{Op: op, Err: err}
}
