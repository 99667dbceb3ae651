// Package cemi implements the Common External Message Interface (cEMI) frame
// format used between a host and a KNX bus access server, plus the legacy
// EMI1/EMI2 format spoken by older BCU based couplers.
//
// This package offers encoding and decoding of link layer frames, device
// management services and bus monitor indications, and the KNX addressing
// types shared by all higher layers.
//
// Message Types:
// The package defines constants representing the cEMI message codes, categorized by their service:
//   - LDataReq, LDataInd, LDataCon:  Link layer data exchange.
//   - BusmonInd:  Raw frame indications in bus monitor mode.
//   - PropReadReq/Con, PropWriteReq/Con, PropInfoInd:  Device management property access.
//   - ResetReq, ResetInd:  Management server reset.
//
// Message Interface:
// Decode parses any supported message into a Message value; the concrete
// types are *LData, *DevMgmt and *Busmon. Message values encode themselves
// back with ToBytes. Decoding errors always wrap ErrFormat, so transports can
// classify malformed input with a single errors.Is check.
//
// Addresses:
// IndividualAddr ("area.line.device") identifies a single device, GroupAddr
// ("main/middle/sub", 3-level layout) identifies a communication relationship.
// Both parse from and format to their conventional text notation.
package cemi
