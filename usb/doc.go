// Package usb connects to the KNX bus through KNX USB interfaces.
//
// Reports:
//
// The interface is a HID device exchanging 64 byte interrupt reports.
// Frames of the KNX USB transfer protocol are split across reports, the
// first report carries the transfer header with the body length and the
// protocol identifier. Inbound reports are reassembled and length checked
// before the frame is handed on.
//
// EMI:
//
// On open the supported EMI types are queried through the bus access
// server feature protocol and the richest one is activated, cEMI before
// EMI2 before EMI1. cEMI interfaces carry L_Data and device management
// traffic natively; on EMI1 and EMI2 interfaces frames pass through the
// EMI translation of the base link. NewMonitor switches a cEMI interface
// into busmonitor mode through the communication mode property and
// restores normal operation on close.
package usb
