package cemi

import "fmt"

// MessageCode identifies the service of a cEMI message.
type MessageCode uint8

const (
	// LDataReq requests transmission of an L-Data frame (L_Data.req).
	LDataReq MessageCode = 0x11
	// LDataInd indicates a received L-Data frame (L_Data.ind).
	LDataInd MessageCode = 0x29
	// LDataCon confirms a previously requested transmission (L_Data.con).
	LDataCon MessageCode = 0x2E
	// BusmonInd indicates a raw frame received in bus monitor mode (L_Busmon.ind).
	BusmonInd MessageCode = 0x2B

	// PropReadReq reads a device property (M_PropRead.req).
	PropReadReq MessageCode = 0xFC
	// PropReadCon is the response to a property read (M_PropRead.con).
	PropReadCon MessageCode = 0xFB
	// PropWriteReq writes a device property (M_PropWrite.req).
	PropWriteReq MessageCode = 0xF6
	// PropWriteCon is the response to a property write (M_PropWrite.con).
	PropWriteCon MessageCode = 0xF5
	// PropInfoInd indicates an unsolicited property value (M_PropInfo.ind).
	PropInfoInd MessageCode = 0xF7
	// ResetReq requests a reset of the management server (M_Reset.req).
	ResetReq MessageCode = 0xF1
	// ResetInd indicates a reset of the management server (M_Reset.ind).
	ResetInd MessageCode = 0xF0
)

func (c MessageCode) String() string {
	switch c {
	case LDataReq:
		return "L_Data.req"
	case LDataInd:
		return "L_Data.ind"
	case LDataCon:
		return "L_Data.con"
	case BusmonInd:
		return "L_Busmon.ind"
	case PropReadReq:
		return "M_PropRead.req"
	case PropReadCon:
		return "M_PropRead.con"
	case PropWriteReq:
		return "M_PropWrite.req"
	case PropWriteCon:
		return "M_PropWrite.con"
	case PropInfoInd:
		return "M_PropInfo.ind"
	case ResetReq:
		return "M_Reset.req"
	case ResetInd:
		return "M_Reset.ind"
	default:
		return fmt.Sprintf("mc 0x%02X", uint8(c))
	}
}

// Message is a decoded cEMI message.
//
// The concrete types are *LData for link layer frames, *DevMgmt for device
// management services and *Busmon for bus monitor indications.
type Message interface {
	// Code returns the cEMI message code.
	Code() MessageCode
	// ToBytes encodes the message into its cEMI byte representation.
	ToBytes() ([]byte, error)
}

// Decode parses a cEMI message from data.
//
// All returned errors wrap ErrFormat.
func Decode(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty message", ErrFormat)
	}

	switch MessageCode(data[0]) {
	case LDataReq, LDataInd, LDataCon:
		return decodeLData(data)
	case BusmonInd:
		return decodeBusmon(data)
	case PropReadReq, PropReadCon, PropWriteReq, PropWriteCon, PropInfoInd, ResetReq, ResetInd:
		return decodeDevMgmt(data)
	default:
		return nil, fmt.Errorf("%w: %w 0x%02X", ErrFormat, ErrUnsupportedMessage, data[0])
	}
}
