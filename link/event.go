package link

import (
	"github.com/knxlib/go-knx/cemi"
)

// Initiator identifies who caused a link to close.
type Initiator uint8

const (
	// InitiatorUser is a close requested through the link API.
	InitiatorUser Initiator = iota
	// InitiatorClient is a close initiated by the local transport stack.
	InitiatorClient
	// InitiatorServer is a close requested by the remote bus access server.
	InitiatorServer
	// InitiatorInternal is a close caused by an unrecoverable internal error,
	// e.g. a failed transport send.
	InitiatorInternal
)

func (i Initiator) String() string {
	switch i {
	case InitiatorUser:
		return "user request"
	case InitiatorClient:
		return "client request"
	case InitiatorServer:
		return "server request"
	case InitiatorInternal:
		return "internal error"
	default:
		return "unknown"
	}
}

// FrameEvent carries a received frame to listeners.
type FrameEvent struct {
	// Source is the link or monitor the frame arrived on.
	Source any
	// Frame is the received message, *cemi.LData on links and
	// *cemi.Busmon on bus monitors.
	Frame cemi.Message
}

// CloseEvent is delivered exactly once as the final event of a link.
type CloseEvent struct {
	// Source is the link or monitor that closed.
	Source any
	// Initiator identifies who caused the close.
	Initiator Initiator
	// Reason is a short human readable description.
	Reason string
}

// MonitorListener receives events from a BusMonitor.
//
// Listener methods are invoked sequentially from a single dispatch goroutine,
// in the order the events occurred. A panicking listener is logged and
// removed; the remaining listeners keep receiving events.
type MonitorListener interface {
	// Indication is called for every received frame.
	Indication(ev FrameEvent)
	// LinkClosed is called once as the final event before dispatch stops.
	LinkClosed(ev CloseEvent)
}

// LinkListener receives events from a NetworkLink.
type LinkListener interface {
	MonitorListener
	// Confirmation is called for every received L_Data.con.
	Confirmation(ev FrameEvent)
}
