package cemi

import (
	"fmt"

	"github.com/knxlib/go-knx/internal/util"
)

// control field 1 bits
const (
	ctrl1StdFrame  = 0x80
	ctrl1Repeat    = 0x20
	ctrl1SysBcast  = 0x10
	ctrl1PrioShift = 2
	ctrl1PrioMask  = 0x0C
	ctrl1AckReq    = 0x02
	ctrl1Confirm   = 0x01
)

// control field 2 bits
const (
	ctrl2GroupDst  = 0x80
	ctrl2HopShift  = 4
	ctrl2HopMask   = 0x70
	ctrl2ExtFormat = 0x0F
)

// maximum TPDU length of a standard frame (TPCI octet plus 15 APDU octets)
const maxStdTPDU = 16

// maximum TPDU length of an extended frame
const maxExtTPDU = 256

// LData is a cEMI link layer message (L_Data.req, L_Data.ind or L_Data.con).
//
// The TPDU holds the transport layer protocol data unit starting with the
// TPCI octet; it must contain at least one byte.
type LData struct {
	// MsgCode is one of LDataReq, LDataInd, LDataCon.
	MsgCode MessageCode
	// Info holds the additional info blocks, e.g. medium information.
	Info AddInfoList

	// Repeat requests frame repetition on transmission errors for L_Data.req.
	// On L_Data.ind it reports whether the received frame is a repetition.
	Repeat bool
	// SystemBroadcast marks the frame as system broadcast on open media.
	SystemBroadcast bool
	// Priority is the transmission priority.
	Priority Priority
	// AckRequest requests a layer 2 acknowledge.
	AckRequest bool
	// ConfirmError reports a transmission error in an L_Data.con.
	ConfirmError bool

	// Src is the individual address of the sender. On L_Data.req a device
	// usually leaves it 0.0.0 so the link substitutes its own address.
	Src IndividualAddr
	// Dst is the destination, either an IndividualAddr or a GroupAddr.
	// GroupBroadcast addresses all devices.
	Dst Addr
	// HopCount is the routing count in the range [0, 7].
	HopCount uint8
	// ExtFormat is the extended frame format field, 0 for standard frames.
	ExtFormat uint8

	// TPDU is the transport layer PDU, starting with the TPCI octet.
	TPDU []byte
}

var _ Message = (*LData)(nil)

// Code returns the cEMI message code.
func (f *LData) Code() MessageCode { return f.MsgCode }

// IsGroupDst reports whether the destination is a group address.
func (f *LData) IsGroupDst() bool {
	_, ok := f.Dst.(GroupAddr)
	return ok
}

// Validate checks the frame fields without encoding.
func (f *LData) Validate() error {
	return f.validate()
}

// ToBytes encodes the message into its cEMI byte representation.
func (f *LData) ToBytes() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 10+f.Info.size()+len(f.TPDU))
	buf = append(buf, byte(f.MsgCode), byte(f.Info.size()))
	buf = f.Info.encode(buf)
	buf = append(buf, f.ctrl1(), f.ctrl2())
	buf = append(buf, byte(f.Src>>8), byte(f.Src))

	dst := f.Dst.Raw()
	buf = append(buf, byte(dst>>8), byte(dst))
	buf = append(buf, byte(len(f.TPDU)-1))
	buf = append(buf, f.TPDU...)

	return buf, nil
}

func (f *LData) validate() error {
	switch f.MsgCode {
	case LDataReq, LDataInd, LDataCon:
	default:
		return fmt.Errorf("%w: message code %s is not an L-Data code", ErrFormat, f.MsgCode)
	}
	if f.Dst == nil {
		return fmt.Errorf("%w: destination address is nil", ErrFormat)
	}
	if f.HopCount > 7 {
		return ErrInvalidHopCount
	}
	if !f.Priority.Valid() {
		return fmt.Errorf("%w: priority 0x%02X", ErrFormat, uint8(f.Priority))
	}
	if len(f.TPDU) == 0 {
		return fmt.Errorf("%w: empty TPDU", ErrFormat)
	}
	if len(f.TPDU) > maxExtTPDU {
		return fmt.Errorf("%w: %d bytes", ErrTPDUTooLong, len(f.TPDU))
	}
	return nil
}

func (f *LData) ctrl1() byte {
	var c byte
	if len(f.TPDU) <= maxStdTPDU {
		c |= ctrl1StdFrame
	}
	// the repeat flag is inverted on indications: 0 means repeated frame
	if f.MsgCode == LDataInd {
		if !f.Repeat {
			c |= ctrl1Repeat
		}
	} else if f.Repeat {
		c |= ctrl1Repeat
	}
	// the system broadcast flag is active low
	if !f.SystemBroadcast {
		c |= ctrl1SysBcast
	}
	c |= byte(f.Priority) << ctrl1PrioShift
	if f.AckRequest {
		c |= ctrl1AckReq
	}
	if f.ConfirmError {
		c |= ctrl1Confirm
	}
	return c
}

func (f *LData) ctrl2() byte {
	var c byte
	if f.IsGroupDst() {
		c |= ctrl2GroupDst
	}
	c |= (f.HopCount << ctrl2HopShift) & ctrl2HopMask
	c |= f.ExtFormat & ctrl2ExtFormat
	return c
}

func (f *LData) String() string {
	return fmt.Sprintf("%s %s->%s %s hop %d tpdu %d bytes",
		f.MsgCode, f.Src, f.Dst, f.Priority, f.HopCount, len(f.TPDU))
}

func decodeLData(data []byte) (*LData, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %s message too short", ErrFormat, MessageCode(data[0]))
	}

	addIL := int(data[1])
	// message code, add info length, add info, 2 control fields,
	// source, destination, NPDU length, TPCI octet
	if len(data) < 10+addIL {
		return nil, fmt.Errorf("%w: %s message of %d bytes too short for %d bytes additional info",
			ErrFormat, MessageCode(data[0]), len(data), addIL)
	}

	info, err := decodeAddInfo(data[2 : 2+addIL])
	if err != nil {
		return nil, err
	}

	f := &LData{
		MsgCode: MessageCode(data[0]),
		Info:    info,
	}

	rest := data[2+addIL:]
	ctrl1, ctrl2 := rest[0], rest[1]

	if f.MsgCode == LDataInd {
		f.Repeat = ctrl1&ctrl1Repeat == 0
	} else {
		f.Repeat = ctrl1&ctrl1Repeat != 0
	}
	f.SystemBroadcast = ctrl1&ctrl1SysBcast == 0
	f.Priority = Priority(ctrl1&ctrl1PrioMask) >> ctrl1PrioShift
	f.AckRequest = ctrl1&ctrl1AckReq != 0
	f.ConfirmError = ctrl1&ctrl1Confirm != 0

	f.Src = IndividualAddr(uint16(rest[2])<<8 | uint16(rest[3]))
	dst := uint16(rest[4])<<8 | uint16(rest[5])
	if ctrl2&ctrl2GroupDst != 0 {
		f.Dst = GroupAddr(dst)
	} else {
		f.Dst = IndividualAddr(dst)
	}
	f.HopCount = (ctrl2 & ctrl2HopMask) >> ctrl2HopShift
	f.ExtFormat = ctrl2 & ctrl2ExtFormat

	tpduLen := int(rest[6]) + 1
	if len(rest) != 7+tpduLen {
		return nil, fmt.Errorf("%w: %s announces %d TPDU bytes, frame carries %d",
			ErrFormat, f.MsgCode, tpduLen, len(rest)-7)
	}
	// decoded messages must not alias the receive buffer
	f.TPDU = util.CloneSlice(rest[7:], 0)

	if ctrl1&ctrl1StdFrame != 0 && tpduLen > maxStdTPDU {
		return nil, fmt.Errorf("%w: standard frame with %d TPDU bytes", ErrFormat, tpduLen)
	}

	return f, nil
}
