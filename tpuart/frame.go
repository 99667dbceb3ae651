package tpuart

import (
	"fmt"

	"github.com/knxlib/go-knx/cemi"
)

// services to the TP-UART
const (
	uResetReq       = 0x01
	uStateReq       = 0x02
	uActivateBusmon = 0x05

	// uAckInfo tells the chip how to acknowledge the frame it is currently
	// receiving from the bus. Flags combine into the low nibble.
	uAckInfo         = 0x10
	ackFlagAddressed = 0x01
	ackFlagBusy      = 0x02
	ackFlagNACK      = 0x04

	// uDataStart and uDataEnd carry an outgoing frame octet by octet: octet
	// i is prefixed with uDataStart|i, the final checksum octet with
	// uDataEnd|i.
	uDataStart = 0x80
	uDataEnd   = 0x40
)

// services from the TP-UART
const (
	uResetInd = 0x03

	// dataConBits identifies an L_Data.con byte (b & 0x7F), dataConOK its
	// positive flag.
	dataConBits = 0x0B
	dataConOK   = 0x80

	// stateIndBits identifies a U_State response byte (b & 0x07). The upper
	// five bits carry the transceiver's error flags.
	stateIndBits = 0x07
)

// TP1 frame fields
const (
	ctrlMask        = 0xD3
	ctrlStd         = 0x90
	ctrlExt         = 0x10
	ctrlNotRepeated = 0x20
	ctrlPrioShift   = 2
	ctrlPrioMask    = 0x0C

	npciGroup    = 0x80
	npciHopShift = 4
	npciHopMask  = 0x70
	npciLenMask  = 0x0F

	// maxFrame caps a TP1 frame including its checksum octet.
	maxFrame = 64
)

// tp1Checksum is the inverted XOR over all frame octets before the checksum
// itself.
func tp1Checksum(data []byte) byte {
	var cs byte
	for _, b := range data {
		cs ^= b
	}
	return ^cs
}

// buildFrame encodes an L_Data message as a TP1 frame including the
// checksum octet. A TPDU beyond 16 bytes or a non-zero extended format
// field selects the extended frame format.
func buildFrame(f *cemi.LData) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	ext := f.ExtFormat != 0 || len(f.TPDU) > 16
	size := 7 + len(f.TPDU)
	if ext {
		size++
	}
	if size > maxFrame {
		return nil, fmt.Errorf("%w: %d byte TPDU does not fit a TP1 frame", cemi.ErrTPDUTooLong, len(f.TPDU))
	}

	npci := f.HopCount << npciHopShift
	if f.IsGroupDst() {
		npci |= npciGroup
	}
	dst := f.Dst.Raw()

	buf := make([]byte, 0, size)
	prio := byte(f.Priority) << ctrlPrioShift
	if ext {
		buf = append(buf, ctrlExt|ctrlNotRepeated|prio)
		buf = append(buf, npci|f.ExtFormat&npciLenMask)
		buf = append(buf, byte(f.Src>>8), byte(f.Src), byte(dst>>8), byte(dst))
		buf = append(buf, byte(len(f.TPDU)-1))
	} else {
		buf = append(buf, ctrlStd|ctrlNotRepeated|prio)
		buf = append(buf, byte(f.Src>>8), byte(f.Src), byte(dst>>8), byte(dst))
		buf = append(buf, npci|byte(len(f.TPDU)-1)&npciLenMask)
	}
	buf = append(buf, f.TPDU...)
	buf = append(buf, tp1Checksum(buf))

	return buf, nil
}

// parseFrame decodes a TP1 frame, checksum octet still attached, into an
// L_Data indication.
func parseFrame(frame []byte) (*cemi.LData, error) {
	if len(frame) < 8 {
		return nil, fmt.Errorf("%w: TP1 frame of %d bytes too short", cemi.ErrFormat, len(frame))
	}

	ctrl := frame[0]
	f := &cemi.LData{
		MsgCode:  cemi.LDataInd,
		Repeat:   ctrl&ctrlNotRepeated == 0,
		Priority: cemi.Priority(ctrl&ctrlPrioMask) >> ctrlPrioShift,
	}

	var npci byte
	var dst uint16

	switch ctrl & ctrlMask {
	case ctrlStd:
		npci = frame[5]
		length := int(npci & npciLenMask)
		if len(frame) != 8+length {
			return nil, fmt.Errorf("%w: standard frame announces %d TPDU bytes, frame carries %d",
				cemi.ErrFormat, length+1, len(frame)-7)
		}
		f.Src = cemi.IndividualAddr(uint16(frame[1])<<8 | uint16(frame[2]))
		dst = uint16(frame[3])<<8 | uint16(frame[4])
		f.TPDU = append([]byte(nil), frame[6:7+length]...)

	case ctrlExt:
		if len(frame) < 9 {
			return nil, fmt.Errorf("%w: extended frame of %d bytes too short", cemi.ErrFormat, len(frame))
		}
		npci = frame[1]
		f.ExtFormat = npci & npciLenMask
		length := int(frame[6])
		if len(frame) != 9+length {
			return nil, fmt.Errorf("%w: extended frame announces %d TPDU bytes, frame carries %d",
				cemi.ErrFormat, length+1, len(frame)-8)
		}
		f.Src = cemi.IndividualAddr(uint16(frame[2])<<8 | uint16(frame[3]))
		dst = uint16(frame[4])<<8 | uint16(frame[5])
		f.TPDU = append([]byte(nil), frame[7:8+length]...)

	default:
		return nil, fmt.Errorf("%w: control field 0x%02X", cemi.ErrFormat, ctrl)
	}

	if npci&npciGroup != 0 {
		f.Dst = cemi.GroupAddr(dst)
	} else {
		f.Dst = cemi.IndividualAddr(dst)
	}
	f.HopCount = (npci & npciHopMask) >> npciHopShift

	if tp1Checksum(frame[:len(frame)-1]) != frame[len(frame)-1] {
		return nil, fmt.Errorf("%w: checksum mismatch", cemi.ErrFormat)
	}

	return f, nil
}

// packetize wraps a TP1 frame into the U_L_DataStart/Continue/End byte
// pairs expected by the chip.
func packetize(frame []byte) []byte {
	out := make([]byte, 0, 2*len(frame))
	last := len(frame) - 1
	for i, b := range frame {
		if i == last {
			out = append(out, byte(uDataEnd|i), b)
		} else {
			out = append(out, byte(uDataStart|i), b)
		}
	}
	return out
}

type rxKind int

const (
	rxReset rxKind = iota
	rxState
	rxCon
	rxFrame
)

// rxEvent is one decoded unit from the chip's byte stream.
type rxEvent struct {
	kind  rxKind
	ok    bool   // rxCon
	state byte   // rxState
	frame []byte // rxFrame, including the checksum octet
}

// decoder assembles events from the TP-UART byte stream. Bytes matching no
// service and frames with a bad checksum are skipped one byte at a time to
// regain synchronization.
type decoder struct {
	buf []byte

	// onHeader fires once per frame as soon as the destination is known,
	// while the rest of the frame is still arriving.
	onHeader   func(group bool, dst uint16)
	headerSeen bool
}

func (d *decoder) feed(data []byte) []rxEvent {
	d.buf = append(d.buf, data...)

	var evs []rxEvent
	for {
		ev, n := d.next()
		if ev != nil {
			evs = append(evs, *ev)
		}
		if n == 0 {
			break
		}
		d.buf = d.buf[n:]
		d.headerSeen = false
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return evs
}

// next extracts the leading event from the buffer. It returns the event, if
// any, and the number of bytes consumed; zero consumed means more input is
// needed.
func (d *decoder) next() (*rxEvent, int) {
	if len(d.buf) == 0 {
		return nil, 0
	}

	b := d.buf[0]
	switch {
	case b == uResetInd:
		return &rxEvent{kind: rxReset}, 1
	case b&0x7F == dataConBits:
		return &rxEvent{kind: rxCon, ok: b&dataConOK != 0}, 1
	case b&ctrlMask == ctrlStd:
		return d.nextFrame(false)
	case b&ctrlMask == ctrlExt:
		return d.nextFrame(true)
	case b&stateIndBits == stateIndBits:
		return &rxEvent{kind: rxState, state: b}, 1
	default:
		return nil, 1
	}
}

func (d *decoder) nextFrame(ext bool) (*rxEvent, int) {
	// group flag and destination are known after six octets in both formats
	if len(d.buf) < 6 {
		return nil, 0
	}

	var total int
	if ext {
		d.notifyHeader(d.buf[1]&npciGroup != 0, uint16(d.buf[4])<<8|uint16(d.buf[5]))
		if len(d.buf) < 7 {
			return nil, 0
		}
		total = 9 + int(d.buf[6])
	} else {
		d.notifyHeader(d.buf[5]&npciGroup != 0, uint16(d.buf[3])<<8|uint16(d.buf[4]))
		total = 8 + int(d.buf[5]&npciLenMask)
	}

	// an extended length beyond the TP1 maximum is line noise
	if total > maxFrame {
		return nil, 1
	}
	if len(d.buf) < total {
		return nil, 0
	}

	frame := d.buf[:total]
	if tp1Checksum(frame[:total-1]) != frame[total-1] {
		return nil, 1
	}

	return &rxEvent{kind: rxFrame, frame: append([]byte(nil), frame...)}, total
}

func (d *decoder) notifyHeader(group bool, dst uint16) {
	if d.onHeader == nil || d.headerSeen {
		return
	}
	d.headerSeen = true
	d.onHeader(group, dst)
}
