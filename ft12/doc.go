// Package ft12 connects to the KNX bus through a BCU coupler attached to a
// serial port, speaking the FT1.2 half duplex protocol.
//
// Exchange protocol:
//
// Every frame to the BCU is answered with a single acknowledgement
// character. The connection keeps one exchange outstanding at a time,
// alternates the frame count bit on both directions and retransmits
// unacknowledged frames before giving up and closing the link. On open the
// remote link layer is reset and the BCU is switched into the requested
// application interface mode with a PEI_Switch message; closing switches it
// back to normal operation.
//
// EMI:
//
// FT1.2 couplers speak EMI2. Frames are translated to and from the cEMI
// representation used by the rest of this module, so additional info and
// extended frames are not available on this transport.
//
// NewLink attaches to the data link layer, NewMonitor to the busmonitor.
package ft12
