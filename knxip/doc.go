// Package knxip connects to a KNX network over IP, either through a
// tunneling gateway or directly on the routing multicast backbone.
//
// Tunneling:
//
// NewTunnel opens a point to point connection to a KNXnet/IP gateway and
// attaches to the data link layer of its KNX side. The connection keeps the
// tunneling sequence counters, acknowledges received frames, retransmits
// unacknowledged requests once and probes the gateway with periodic
// connection state requests. NewTunnelMonitor opens the same kind of
// connection as a passive bus monitor.
//
// Routing:
//
// NewRouting joins the routing multicast group (DefaultRoutingAddr) and
// exchanges frames with all routers on the backbone. Routing has no
// acknowledgements; router flow control messages are surfaced through the
// RoutingListener interface and honored on the send path.
//
// Services:
//
// Pack and Unpack translate between service structs and KNXnet/IP datagrams.
// They cover the core, tunneling and routing services this package speaks
// and are exported for tests and diagnostic tools.
package knxip
