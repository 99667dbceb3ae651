package cemi

import (
	"fmt"

	"github.com/knxlib/go-knx/internal/util"
)

// EMI1/EMI2 message codes. The legacy External Message Interface is still
// spoken by BCU based serial couplers and many USB interfaces.
const (
	// EMILDataReq requests transmission of an L-Data frame.
	EMILDataReq uint8 = 0x11
	// EMILDataCon confirms a previously requested transmission.
	EMILDataCon uint8 = 0x4E
	// EMILDataInd indicates a received L-Data frame.
	EMILDataInd uint8 = 0x49
	// EMIBusmonInd indicates a raw frame received in bus monitor mode.
	EMIBusmonInd uint8 = 0x2B
)

// ToEMI encodes the message into the EMI1/EMI2 representation.
//
// EMI frames carry no additional info and only standard frames, so medium
// info is dropped and a TPDU over 16 bytes is rejected.
func (f *LData) ToEMI() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if len(f.TPDU) > maxStdTPDU {
		return nil, fmt.Errorf("%w: %d bytes do not fit an EMI frame", ErrTPDUTooLong, len(f.TPDU))
	}

	var mc uint8
	switch f.MsgCode {
	case LDataReq:
		mc = EMILDataReq
	case LDataCon:
		mc = EMILDataCon
	case LDataInd:
		mc = EMILDataInd
	default:
		return nil, fmt.Errorf("%w: message code %s is not an L-Data code", ErrFormat, f.MsgCode)
	}

	buf := make([]byte, 0, 7+len(f.TPDU))
	buf = append(buf, mc, f.ctrl1())
	buf = append(buf, byte(f.Src>>8), byte(f.Src))

	dst := f.Dst.Raw()
	buf = append(buf, byte(dst>>8), byte(dst))

	npci := byte(len(f.TPDU) - 1)
	npci |= (f.HopCount << ctrl2HopShift) & ctrl2HopMask
	if f.IsGroupDst() {
		npci |= ctrl2GroupDst
	}
	buf = append(buf, npci)
	buf = append(buf, f.TPDU...)

	return buf, nil
}

// LDataFromEMI parses an EMI1/EMI2 L-Data frame.
func LDataFromEMI(data []byte) (*LData, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: EMI frame of %d bytes too short", ErrFormat, len(data))
	}

	f := &LData{}
	switch data[0] {
	case EMILDataReq:
		f.MsgCode = LDataReq
	case EMILDataCon:
		f.MsgCode = LDataCon
	case EMILDataInd:
		f.MsgCode = LDataInd
	default:
		return nil, fmt.Errorf("%w: %w 0x%02X", ErrFormat, ErrUnsupportedMessage, data[0])
	}

	ctrl := data[1]
	if f.MsgCode == LDataInd {
		f.Repeat = ctrl&ctrl1Repeat == 0
	} else {
		f.Repeat = ctrl&ctrl1Repeat != 0
	}
	f.SystemBroadcast = ctrl&ctrl1SysBcast == 0
	f.Priority = Priority(ctrl&ctrl1PrioMask) >> ctrl1PrioShift
	f.AckRequest = ctrl&ctrl1AckReq != 0
	f.ConfirmError = ctrl&ctrl1Confirm != 0

	f.Src = IndividualAddr(uint16(data[2])<<8 | uint16(data[3]))
	dst := uint16(data[4])<<8 | uint16(data[5])

	npci := data[6]
	if npci&ctrl2GroupDst != 0 {
		f.Dst = GroupAddr(dst)
	} else {
		f.Dst = IndividualAddr(dst)
	}
	f.HopCount = (npci & ctrl2HopMask) >> ctrl2HopShift

	tpduLen := int(npci&0x0F) + 1
	if len(data) != 7+tpduLen {
		return nil, fmt.Errorf("%w: EMI frame announces %d TPDU bytes, frame carries %d",
			ErrFormat, tpduLen, len(data)-7)
	}
	f.TPDU = util.CloneSlice(data[7:], 0)

	return f, nil
}

// BusmonFromEMI parses an EMI1/EMI2 bus monitor indication. The EMI layout
// is the status octet and a 2-byte timestamp followed by the raw frame.
func BusmonFromEMI(data []byte) (*Busmon, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: EMI monitor frame of %d bytes too short", ErrFormat, len(data))
	}
	if data[0] != EMIBusmonInd {
		return nil, fmt.Errorf("%w: %w 0x%02X", ErrFormat, ErrUnsupportedMessage, data[0])
	}

	ts := uint16(data[2])<<8 | uint16(data[3])
	return NewBusmon(data[1], ts, util.CloneSlice(data[4:], 0)), nil
}
