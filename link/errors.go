package link

import "errors"

var (
	// ErrClosed indicates that the link is closed.
	// Errors returned for operations that failed because the link closed
	// underneath them wrap ErrClosed together with the cause.
	ErrClosed = errors.New("link closed")

	// ErrTimeout indicates that a confirmation was not received in time.
	// The link stays open, the frame may or may not have reached the bus.
	ErrTimeout = errors.New("confirmation timeout")

	// ErrConfirmation indicates that the bus reported an unsuccessful
	// transmission in the L_Data.con for a sent frame.
	ErrConfirmation = errors.New("negative confirmation")
)

var (
	// ErrNilSettings indicates that nil medium settings were provided.
	ErrNilSettings = errors.New("medium settings are nil")

	// ErrIncompatibleMedium indicates an attempt to replace medium settings
	// with settings of a different medium type.
	ErrIncompatibleMedium = errors.New("incompatible medium settings")

	// ErrNilDestination indicates a frame without a destination address.
	ErrNilDestination = errors.New("destination address is nil")
)
