// Package link provides the KNX network link and bus monitor abstractions
// shared by all transport packages.
//
// This package defines the NetworkLink and BusMonitor interfaces, the medium
// settings describing the bus behind an access server, and the event types
// delivered to listeners. It also provides base implementations that handle
// the transport independent behavior, so transport packages only supply the
// actual send and close functions.
//
// Links and Monitors:
// A NetworkLink is a bidirectional link layer connection used to send L-Data
// frames and receive indications and confirmations. A BusMonitor is a
// passive connection receiving every raw frame on the bus. Both are created
// by the transport packages (knxip, ft12, tpuart, usb) and follow the same
// lifecycle: they are open after creation and closed exactly once, either by
// the user, by the transport or by the remote bus access server. A closed
// link never reopens; the connector package provides reconnection on top.
//
// Event Delivery:
// Listeners registered with AddListener receive events sequentially from a
// single dispatch goroutine per link, in the order the events occurred. The
// close event is always the last delivery. A panicking listener is logged
// and removed without affecting other listeners.
//
// Medium Settings:
// MediumSettings carry the medium type (TP1, PL110, RF or KNX IP) and the
// individual address used as source address for outgoing frames. Frames
// sent with source address 0.0.0 have the configured device address
// substituted. On open media the link attaches the medium specific
// additional info, e.g. the powerline domain address.
package link
