package cemi

import (
	"fmt"

	"github.com/knxlib/go-knx/internal/util"
)

// Interface object types used with device management services.
const (
	// ObjectTypeDevice is the device object (object type 0).
	ObjectTypeDevice uint16 = 0
	// ObjectTypeCEMIServer is the cEMI server object (object type 8).
	ObjectTypeCEMIServer uint16 = 8
)

// Properties of the cEMI server object.
const (
	// PIDMediumType holds the supported media of the cEMI server.
	PIDMediumType uint8 = 51
	// PIDCommMode selects the data link layer or bus monitor communication mode.
	PIDCommMode uint8 = 52
)

// Values of the PIDCommMode property.
const (
	// CommModeDataLinkLayer enables normal link layer communication.
	CommModeDataLinkLayer byte = 0x00
	// CommModeBusmonitor enables bus monitor communication.
	CommModeBusmonitor byte = 0x01
)

// DevMgmt is a cEMI device management message (M_PropRead, M_PropWrite,
// M_PropInfo or M_Reset).
//
// A read or write confirmation with Elements == 0 reports a failure; its
// single data byte holds the error code.
type DevMgmt struct {
	// MsgCode is one of the M_* message codes.
	MsgCode MessageCode
	// ObjectType is the interface object type.
	ObjectType uint16
	// ObjectInstance is the instance of the interface object, starting at 1.
	ObjectInstance uint8
	// PropertyID identifies the property within the interface object.
	PropertyID uint8
	// Elements is the number of array elements, in the range [0, 15].
	Elements uint8
	// StartIndex is the start index within the property array, in the range [0, 4095].
	StartIndex uint16
	// Data holds the property value, or the error code for a negative confirmation.
	Data []byte
}

var _ Message = (*DevMgmt)(nil)

// NewPropRead creates an M_PropRead.req for the given property.
func NewPropRead(objType uint16, instance, pid, elements uint8, start uint16) *DevMgmt {
	return &DevMgmt{
		MsgCode:        PropReadReq,
		ObjectType:     objType,
		ObjectInstance: instance,
		PropertyID:     pid,
		Elements:       elements,
		StartIndex:     start,
	}
}

// NewPropWrite creates an M_PropWrite.req setting the given property value.
func NewPropWrite(objType uint16, instance, pid, elements uint8, start uint16, data []byte) *DevMgmt {
	return &DevMgmt{
		MsgCode:        PropWriteReq,
		ObjectType:     objType,
		ObjectInstance: instance,
		PropertyID:     pid,
		Elements:       elements,
		StartIndex:     start,
		Data:           data,
	}
}

// Code returns the cEMI message code.
func (m *DevMgmt) Code() MessageCode { return m.MsgCode }

// IsError reports whether the message is a negative confirmation.
func (m *DevMgmt) IsError() bool {
	return (m.MsgCode == PropReadCon || m.MsgCode == PropWriteCon) && m.Elements == 0
}

// ErrorCode returns the error code of a negative confirmation, 0 otherwise.
func (m *DevMgmt) ErrorCode() uint8 {
	if m.IsError() && len(m.Data) > 0 {
		return m.Data[0]
	}
	return 0
}

// ToBytes encodes the message into its cEMI byte representation.
func (m *DevMgmt) ToBytes() ([]byte, error) {
	switch m.MsgCode {
	case ResetReq, ResetInd:
		return []byte{byte(m.MsgCode)}, nil
	case PropReadReq, PropReadCon, PropWriteReq, PropWriteCon, PropInfoInd:
	default:
		return nil, fmt.Errorf("%w: message code %s is not a device management code", ErrFormat, m.MsgCode)
	}

	if m.Elements > 0x0F {
		return nil, fmt.Errorf("%w: number of elements %d out of range [0, 15]", ErrFormat, m.Elements)
	}
	if m.StartIndex > 0x0FFF {
		return nil, fmt.Errorf("%w: start index %d out of range [0, 4095]", ErrFormat, m.StartIndex)
	}

	buf := make([]byte, 0, 7+len(m.Data))
	buf = append(buf, byte(m.MsgCode))
	buf = append(buf, byte(m.ObjectType>>8), byte(m.ObjectType))
	buf = append(buf, m.ObjectInstance, m.PropertyID)
	buf = append(buf, m.Elements<<4|byte(m.StartIndex>>8), byte(m.StartIndex))
	buf = append(buf, m.Data...)

	return buf, nil
}

func (m *DevMgmt) String() string {
	if m.MsgCode == ResetReq || m.MsgCode == ResetInd {
		return m.MsgCode.String()
	}
	return fmt.Sprintf("%s OT %d instance %d PID %d elements %d start %d",
		m.MsgCode, m.ObjectType, m.ObjectInstance, m.PropertyID, m.Elements, m.StartIndex)
}

func decodeDevMgmt(data []byte) (*DevMgmt, error) {
	code := MessageCode(data[0])
	if code == ResetReq || code == ResetInd {
		if len(data) != 1 {
			return nil, fmt.Errorf("%w: %s message with %d trailing bytes", ErrFormat, code, len(data)-1)
		}
		return &DevMgmt{MsgCode: code}, nil
	}

	if len(data) < 7 {
		return nil, fmt.Errorf("%w: %s message of %d bytes too short", ErrFormat, code, len(data))
	}

	return &DevMgmt{
		MsgCode:        code,
		ObjectType:     uint16(data[1])<<8 | uint16(data[2]),
		ObjectInstance: data[3],
		PropertyID:     data[4],
		Elements:       data[5] >> 4,
		StartIndex:     uint16(data[5]&0x0F)<<8 | uint16(data[6]),
		Data:           util.CloneSlice(data[7:], 0),
	}, nil
}
