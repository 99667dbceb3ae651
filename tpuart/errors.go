package tpuart

import "errors"

var (
	// ErrNoReset is returned when the transceiver does not answer the reset
	// request on open.
	ErrNoReset = errors.New("transceiver did not answer the reset request")

	// ErrNoConfirmation is returned when the transceiver does not confirm a
	// transmitted frame.
	ErrNoConfirmation = errors.New("transceiver did not confirm the transmission")
)
