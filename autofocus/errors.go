package autofocus

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter is generated when a run is requested with parameters that cannot produce a search,
	// such as a zero step size
	ErrInvalidParameter = errors.New("invalid autofocus parameter")

	// ErrCaptureFailure is generated when the camera fails to produce a usable frame.
	// It is logged and the probe is skipped; it is never returned from a run.
	ErrCaptureFailure = errors.New("camera capture failed")

	// ErrCancelled is generated when a run observed cancellation of its context
	ErrCancelled = errors.New("autofocus cancelled")

	// ErrUnexpected is generated when a motion or settle call failed for a reason other than cancellation
	ErrUnexpected = errors.New("unexpected hardware fault during autofocus")

	// ErrNoSamples is generated when peak detection is given an empty trace
	ErrNoSamples = errors.New("no focus samples")
)

// cancelled wraps the context error so that callers may match either
// ErrCancelled or context.Canceled / context.DeadlineExceeded
func cancelled(ctx context.Context) error {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// unexpected wraps a hardware error with ErrUnexpected and what was being attempted
func unexpected(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnexpected, op, err)
}

// classify turns an error from a blocking call into either a cancellation or an unexpected fault.
// Drivers report cancellation in their own words, so the run's context is consulted, not the error.
func classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	return unexpected(op, err)
}
