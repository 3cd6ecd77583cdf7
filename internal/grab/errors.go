package grab

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed capture parameter. Nothing is spawned.
	ErrValidation = errors.New("invalid capture parameter")

	// ErrSpawn marks a capture binary that is missing or failed to exec.
	ErrSpawn = errors.New("failed to start capture")

	// ErrCaptureEmpty marks a capture process that exited without readable output.
	ErrCaptureEmpty = errors.New("capture produced no output")

	// ErrCaptureTimeout marks a capture process killed for running too long.
	ErrCaptureTimeout = errors.New("capture timed out")

	// ErrAbortedByClient marks a session torn down because the client went away.
	// It is never shown to anyone.
	ErrAbortedByClient = errors.New("client disconnected")

	// ErrStagingBusy is returned when another capture already occupies the staging file.
	ErrStagingBusy = errors.New("another capture is already in progress")
)

// CaptureError ties a failure to one of the sentinel kinds above.
type CaptureError struct {
	Kind error
	Err  error
}

func newCaptureError(kind, err error) *CaptureError {
	return &CaptureError{Kind: kind, Err: err}
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *CaptureError) Is(target error) bool {
	return target == e.Kind
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
