package cemi

import "errors"

var (
	// ErrFormat indicates that a byte sequence does not form a valid frame.
	// All decoding errors of this package wrap ErrFormat, so callers can match
	// the whole class with errors.Is.
	ErrFormat = errors.New("invalid frame format")

	// ErrUnsupportedMessage indicates a message code this package does not handle.
	ErrUnsupportedMessage = errors.New("unsupported message code")

	// ErrTPDUTooLong indicates that a TPDU exceeds the length a standard frame can carry.
	ErrTPDUTooLong = errors.New("TPDU exceeds maximum length")
)

var (
	// ErrInvalidAddress indicates a malformed address string or an out-of-range address part.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidHopCount indicates a hop count outside the range [0, 7].
	ErrInvalidHopCount = errors.New("invalid hop count, should be in range of [0, 7]")
)
