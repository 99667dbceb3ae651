// Package tpuart connects to the KNX twisted pair bus through a TP-UART
// transceiver on a serial port.
//
// Host protocol:
//
// The transceiver is reset on open and probed with periodic state requests;
// a transceiver that stops answering closes the link. Outgoing frames are
// handed over octet by octet and confirmed by the chip once the bus
// transmission, including any repetitions it performed, finished. The bus
// echo of an own transmission is recognized and not delivered as an
// indication. Frames addressed to the configured device address are
// acknowledged on the bus through the chip's acknowledgement service.
//
// Frames:
//
// The wire format is raw TP1, standard and extended frames with the
// inverted XOR checksum. Inbound frames are checksum verified and delivered
// as cEMI L_Data indications; frames failing the checksum are dropped.
// NewMonitor delivers every verified frame as a raw busmonitor indication
// instead.
package tpuart
