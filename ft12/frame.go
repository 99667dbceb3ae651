package ft12

// FT1.2 frame delimiters.
const (
	charAck       byte = 0xE5
	startVariable byte = 0x68
	startFixed    byte = 0x10
	charEnd       byte = 0x16
)

// Control field bits and functions, primary station to BCU.
const (
	ctrlUserData byte = 0x53 // PRM + FCV, send user data
	ctrlReset    byte = 0x40 // PRM, reset of remote link
	ctrlFCB      byte = 0x20
	ctrlFCV      byte = 0x10
)

// buildVariable encodes a variable length frame: start, twice the length,
// start again, control, payload, checksum, end. The checksum is the
// arithmetic sum of control and payload.
func buildVariable(ctrl byte, payload []byte) []byte {
	length := byte(len(payload) + 1)

	buf := make([]byte, 0, len(payload)+6)
	buf = append(buf, startVariable, length, length, startVariable, ctrl)
	buf = append(buf, payload...)
	return append(buf, checksum(ctrl, payload), charEnd)
}

// buildFixed encodes a fixed length frame carrying only a control field.
func buildFixed(ctrl byte) []byte {
	return []byte{startFixed, ctrl, ctrl, charEnd}
}

func checksum(ctrl byte, payload []byte) byte {
	sum := ctrl
	for _, b := range payload {
		sum += b
	}
	return sum
}

type rxKind uint8

const (
	rxAck rxKind = iota
	rxFixed
	rxVariable
)

// rxFrame is one decoded unit of the FT1.2 byte stream.
type rxFrame struct {
	kind    rxKind
	ctrl    byte
	payload []byte
}

// frameParser reassembles FT1.2 frames from an arbitrarily chunked byte
// stream. Invalid bytes are skipped one at a time until the stream
// resynchronizes on a frame start.
type frameParser struct {
	buf []byte
}

// feed appends data and returns all complete frames found so far.
func (p *frameParser) feed(data []byte) []rxFrame {
	p.buf = append(p.buf, data...)

	var frames []rxFrame
	for {
		fr, n := p.next()
		if n == 0 {
			break
		}

		p.buf = p.buf[n:]
		if fr != nil {
			frames = append(frames, *fr)
		}
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
	return frames
}

// next scans for one frame at the start of the buffer. It returns the frame
// (nil for a skipped byte) and the number of consumed bytes, 0 when more
// data is needed.
func (p *frameParser) next() (*rxFrame, int) {
	if len(p.buf) == 0 {
		return nil, 0
	}

	switch p.buf[0] {
	case charAck:
		return &rxFrame{kind: rxAck}, 1

	case startFixed:
		if len(p.buf) < 4 {
			return nil, 0
		}
		if p.buf[2] != p.buf[1] || p.buf[3] != charEnd {
			return nil, 1
		}
		return &rxFrame{kind: rxFixed, ctrl: p.buf[1]}, 4

	case startVariable:
		if len(p.buf) < 4 {
			return nil, 0
		}

		// EMI2 payloads are short; an implausible length is line noise
		length := int(p.buf[1])
		if length < 1 || length > 64 || p.buf[2] != p.buf[1] || p.buf[3] != startVariable {
			return nil, 1
		}

		total := length + 6
		if len(p.buf) < total {
			return nil, 0
		}

		ctrl := p.buf[4]
		payload := p.buf[5 : 4+length]
		if p.buf[4+length] != checksum(ctrl, payload) || p.buf[5+length] != charEnd {
			return nil, 1
		}

		return &rxFrame{
			kind:    rxVariable,
			ctrl:    ctrl,
			payload: append([]byte(nil), payload...),
		}, total

	default:
		return nil, 1
	}
}
