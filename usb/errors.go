package usb

import "errors"

var (
	// ErrNotFound is returned when no attached USB device offers a KNX HID
	// interface matching the device selector.
	ErrNotFound = errors.New("no KNX USB interface found")

	// ErrFormat is returned when a HID report or a transfer protocol frame
	// is malformed.
	ErrFormat = errors.New("invalid KNX USB report")

	// ErrNoResponse is returned when the bus access server does not answer
	// a feature request or a device management request in time.
	ErrNoResponse = errors.New("no response from the bus access server")

	// ErrUnsupported is returned when the interface offers no EMI type
	// usable for the requested mode.
	ErrUnsupported = errors.New("unsupported EMI type")
)
