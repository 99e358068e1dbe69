package hal

import "errors"

var (
	// ErrAllocationFailed is returned when a backing region or pool cannot be created.
	ErrAllocationFailed = errors.New("allocation failed")

	// ErrDriverRejected is returned when the driver refuses a start/stop/control call.
	ErrDriverRejected = errors.New("driver rejected request")

	// ErrInvalidRequest is returned for unsupported dimensions or formats and
	// for calls made in the wrong session state.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPreviousInstanceBusy is returned by Acquire while a previous instance
	// is still tearing down.
	ErrPreviousInstanceBusy = errors.New("previous instance busy")

	// ErrEncodeFailed is returned when the encoder fails after data capture.
	ErrEncodeFailed = errors.New("encode failed")

	// ErrCancelled is reported by the driver when a snapshot or autofocus
	// operation was cancelled before it finished.
	ErrCancelled = errors.New("cancelled")
)
