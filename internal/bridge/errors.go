// Package bridge supervises one claude CLI invocation per execution:
// prompt over stdin, streamed stdout, structured result extraction, and
// cleanup guaranteed on every exit path.
package bridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionBusy is returned when an execution is already in flight for
// the same session
var ErrSessionBusy = errors.New("session busy: an execution is already running")

// ErrEmptyInput is returned when the input is empty after sanitization
var ErrEmptyInput = errors.New("empty input after sanitization")

// TimeoutError reports an execution that exceeded its deadline. Partial
// carries whatever output was streamed before the deadline; it is never
// discarded.
type TimeoutError struct {
	Partial string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.After)
}

// LaunchError reports that the backend process could not be started,
// typically a missing or misconfigured binary
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CrashError reports a non-zero exit from the backend process. Stderr is
// a bounded excerpt, never the full stream.
type CrashError struct {
	ExitCode int
	Stderr   string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("backend exited with code %d", e.ExitCode)
}

// BackendError reports an error the backend returned inside an otherwise
// well-formed structured result
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend reported an error: %s", e.Message)
}
