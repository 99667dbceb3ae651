package knxip

import "errors"

var (
	// ErrFormat indicates that a datagram does not form a valid KNXnet/IP
	// frame. All decoding errors of this package wrap ErrFormat.
	ErrFormat = errors.New("invalid KNXnet/IP frame")

	// ErrRefused is returned when the gateway rejects a connection request,
	// e.g. because it has no free tunnel slots.
	ErrRefused = errors.New("connection refused by gateway")

	// ErrNoResponse is returned when the gateway does not answer a control
	// request within the response timeout.
	ErrNoResponse = errors.New("no response from gateway")
)
