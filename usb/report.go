package usb

import (
	"encoding/binary"
	"fmt"
)

// HID report layout. Every report is reportSize bytes: the report
// identifier, the packet info octet with the sequence number in the high
// nibble and the packet type flags in the low nibble, the number of valid
// data bytes, then the data padded with zeros.
const (
	reportID   = 0x01
	reportSize = 64

	packetStart   = 0x01
	packetEnd     = 0x02
	packetPartial = 0x04

	maxReportData = reportSize - 3
)

// KNX USB transfer protocol header, carried in the data of the start packet.
const (
	headerSize    = 8
	headerVersion = 0x00

	protocolTunnel  = 0x01
	protocolFeature = 0x0F
)

// EMI identifiers of the tunneling protocol.
const (
	emiID1    = 0x01
	emiID2    = 0x02
	emiIDCEMI = 0x03
)

// Service identifiers of the bus access server feature protocol.
const (
	featureGet      = 0x01
	featureResponse = 0x02
	featureSet      = 0x03
	featureInfo     = 0x04
)

// Feature identifiers.
const (
	featureSupportedEMI = 0x01
	featureBusStatus    = 0x03
	featureActiveEMI    = 0x05
)

// Bits of the supported EMI types feature value.
const (
	emiBitEMI1 = 0x01
	emiBitEMI2 = 0x02
	emiBitCEMI = 0x04
)

// transferFrame is one frame of the KNX USB transfer protocol. For the
// tunneling protocol the identifier names the EMI format of the body, for
// the feature protocol the service.
type transferFrame struct {
	protocol byte
	id       byte
	body     []byte
}

// buildReports splits a transfer protocol frame into HID reports. The first
// report carries the transfer header, sequence numbers start at one, every
// report is padded to the full report size.
func buildReports(protocol, id byte, body []byte) [][]byte {
	data := make([]byte, headerSize+len(body))
	data[0] = headerVersion
	data[1] = headerSize
	binary.BigEndian.PutUint16(data[2:], uint16(len(body)))
	data[4] = protocol
	data[5] = id
	// data[6:8] is the manufacturer code, zero for standard frames
	copy(data[headerSize:], body)

	multi := len(data) > maxReportData

	var reports [][]byte
	for off, seq := 0, byte(1); off < len(data); seq++ {
		chunk := len(data) - off
		if chunk > maxReportData {
			chunk = maxReportData
		}

		info := seq << 4
		if multi {
			info |= packetPartial
		}
		if off == 0 {
			info |= packetStart
		}
		if off+chunk == len(data) {
			info |= packetEnd
		}

		report := make([]byte, reportSize)
		report[0] = reportID
		report[1] = info
		report[2] = byte(chunk)
		copy(report[3:], data[off:off+chunk])

		reports = append(reports, report)
		off += chunk
	}

	return reports
}

// assembler reassembles transfer protocol frames from HID reports. Frames
// larger than one report arrive as a start packet followed by partial
// packets with consecutive sequence numbers.
type assembler struct {
	active  bool
	proto   byte
	id      byte
	need    int
	nextSeq byte
	body    []byte
}

// feed consumes one HID report and returns the completed frame, or nil
// while the frame is still incomplete.
func (a *assembler) feed(report []byte) (*transferFrame, error) {
	if len(report) < 3 {
		return nil, fmt.Errorf("%w: report of %d bytes too short", ErrFormat, len(report))
	}
	if report[0] != reportID {
		return nil, fmt.Errorf("%w: unknown report identifier 0x%02X", ErrFormat, report[0])
	}

	info := report[1]
	length := int(report[2])
	if 3+length > len(report) {
		return nil, fmt.Errorf("%w: data length %d exceeds the report", ErrFormat, length)
	}
	data := report[3 : 3+length]

	if info&packetStart != 0 {
		if len(data) < headerSize {
			return nil, fmt.Errorf("%w: start packet of %d bytes cannot hold the transfer header",
				ErrFormat, len(data))
		}
		if data[0] != headerVersion || data[1] != headerSize {
			return nil, fmt.Errorf("%w: unknown transfer header version 0x%02X length %d",
				ErrFormat, data[0], data[1])
		}

		a.active = true
		a.proto = data[4]
		a.id = data[5]
		a.need = int(binary.BigEndian.Uint16(data[2:]))
		a.nextSeq = info>>4 + 1
		a.body = append(a.body[:0], data[headerSize:]...)
	} else {
		if !a.active {
			return nil, fmt.Errorf("%w: continuation report without a start packet", ErrFormat)
		}
		if seq := info >> 4; seq != a.nextSeq {
			a.active = false
			return nil, fmt.Errorf("%w: report sequence %d, expected %d", ErrFormat, seq, a.nextSeq)
		}

		a.nextSeq++
		a.body = append(a.body, data...)
	}

	if info&packetEnd == 0 {
		return nil, nil
	}

	a.active = false
	if len(a.body) < a.need {
		return nil, fmt.Errorf("%w: body of %d bytes, transfer header announced %d",
			ErrFormat, len(a.body), a.need)
	}

	return &transferFrame{
		protocol: a.proto,
		id:       a.id,
		body:     append([]byte(nil), a.body[:a.need]...),
	}, nil
}
