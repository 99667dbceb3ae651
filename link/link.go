package link

import (
	"context"

	"github.com/knxlib/go-knx/cemi"
)

// NetworkLink is a link layer connection to the KNX network, attached through
// a bus access server. It sends L-Data frames and fans out received
// indications and confirmations to registered listeners.
//
// Implementations are provided by the transport packages, e.g. knxip, ft12,
// tpuart and usb. The connector package wraps any NetworkLink with automatic
// reconnection.
type NetworkLink interface {
	// Name returns a human readable identifier of the link, usually derived
	// from the transport endpoint.
	Name() string

	// SetMedium replaces the medium settings. The new settings must describe
	// the same medium type as the current ones, otherwise
	// ErrIncompatibleMedium is returned.
	SetMedium(settings MediumSettings) error
	// Medium returns the current medium settings.
	Medium() MediumSettings

	// SetHopCount sets the routing count used for frames built by
	// SendRequest and SendRequestWait. Valid values are 0 to 7, the default
	// is 6.
	SetHopCount(hops uint8) error
	// HopCount returns the currently configured routing count.
	HopCount() uint8

	// AddListener registers a listener for frame and close events.
	AddListener(l LinkListener)
	// RemoveListener removes a previously registered listener.
	RemoveListener(l LinkListener)

	// SendRequest builds an L_Data.req to dst with the given priority and
	// TPDU and hands it to the transport without waiting for a confirmation.
	SendRequest(dst cemi.Addr, prio cemi.Priority, tpdu []byte) error
	// SendRequestWait is like SendRequest but blocks until the bus access
	// server confirms the transmission, the confirmation timeout elapses
	// (ErrTimeout) or ctx is done.
	SendRequestWait(ctx context.Context, dst cemi.Addr, prio cemi.Priority, tpdu []byte) error
	// SendFrame sends a prepared L-Data frame. A source address of 0.0.0 is
	// replaced with the medium's device address. With waitForCon the call
	// blocks like SendRequestWait.
	SendFrame(ctx context.Context, frame *cemi.LData, waitForCon bool) error

	// IsOpen reports whether the link is open. A closed link never reopens.
	IsOpen() bool
	// Close closes the link and releases transport resources. Listeners
	// receive a final close event. Close is idempotent.
	Close()
}

// BusMonitor is a passive connection receiving every raw frame on the bus,
// including repetitions and acknowledgements. No frames can be sent.
type BusMonitor interface {
	// Name returns a human readable identifier of the monitor.
	Name() string

	// AddListener registers a listener for monitor indications and the
	// close event.
	AddListener(l MonitorListener)
	// RemoveListener removes a previously registered listener.
	RemoveListener(l MonitorListener)

	// IsOpen reports whether the monitor is open. A closed monitor never
	// reopens.
	IsOpen() bool
	// Close closes the monitor and releases transport resources. Close is
	// idempotent.
	Close()
}
