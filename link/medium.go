package link

import (
	"github.com/knxlib/go-knx/cemi"
)

// MediumType identifies the KNX transmission medium behind a bus access server.
type MediumType uint8

const (
	// MediumTP1 is twisted pair 1, the common two-wire bus.
	MediumTP1 MediumType = 0x02
	// MediumPL110 is power line 110 kHz.
	MediumPL110 MediumType = 0x04
	// MediumRF is radio frequency.
	MediumRF MediumType = 0x10
	// MediumIP is KNX IP, i.e. the medium itself is IP.
	MediumIP MediumType = 0x20
)

func (m MediumType) String() string {
	switch m {
	case MediumTP1:
		return "TP1"
	case MediumPL110:
		return "PL110"
	case MediumRF:
		return "RF"
	case MediumIP:
		return "KNX IP"
	default:
		return "unknown"
	}
}

// MediumSettings describes the medium of the connected bus and the individual
// address the link uses as source address for outgoing frames.
//
// Settings of a link are replaceable at runtime with settings of the same
// medium type, see NetworkLink.SetMedium.
type MediumSettings interface {
	// MediumType returns the medium these settings describe.
	MediumType() MediumType
	// DeviceAddr returns the individual address used as the source address
	// for frames sent with source 0.0.0.
	DeviceAddr() cemi.IndividualAddr
}

// TPSettings are the medium settings for twisted pair 1.
type TPSettings struct {
	// Device is the source address the link substitutes for 0.0.0.
	Device cemi.IndividualAddr
}

// MediumType returns MediumTP1.
func (*TPSettings) MediumType() MediumType { return MediumTP1 }

// DeviceAddr returns the configured device address.
func (s *TPSettings) DeviceAddr() cemi.IndividualAddr { return s.Device }

// PLSettings are the medium settings for power line 110.
type PLSettings struct {
	Device cemi.IndividualAddr
	// Domain is the 16-bit powerline domain address. Outgoing frames carry
	// it as additional medium info.
	Domain uint16
}

// MediumType returns MediumPL110.
func (*PLSettings) MediumType() MediumType { return MediumPL110 }

// DeviceAddr returns the configured device address.
func (s *PLSettings) DeviceAddr() cemi.IndividualAddr { return s.Device }

// RFSettings are the medium settings for radio frequency.
type RFSettings struct {
	Device cemi.IndividualAddr
	// SerialNumber is the 6-byte KNX serial number or RF domain address
	// carried as additional medium info in outgoing frames.
	SerialNumber [6]byte
}

// MediumType returns MediumRF.
func (*RFSettings) MediumType() MediumType { return MediumRF }

// DeviceAddr returns the configured device address.
func (s *RFSettings) DeviceAddr() cemi.IndividualAddr { return s.Device }

// IPSettings are the medium settings for KNX IP.
type IPSettings struct {
	Device cemi.IndividualAddr
}

// MediumType returns MediumIP.
func (*IPSettings) MediumType() MediumType { return MediumIP }

// DeviceAddr returns the configured device address.
func (s *IPSettings) DeviceAddr() cemi.IndividualAddr { return s.Device }
