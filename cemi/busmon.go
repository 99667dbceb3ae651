package cemi

import (
	"fmt"

	"github.com/knxlib/go-knx/internal/util"
)

// Bus monitor status bits, carried in the AddInfoBusmonStatus block.
const (
	// BusmonFrameError marks a frame error in the monitored frame.
	BusmonFrameError uint8 = 0x80
	// BusmonBitError marks an invalid bit in the monitored frame.
	BusmonBitError uint8 = 0x40
	// BusmonParityError marks a parity error in the monitored frame.
	BusmonParityError uint8 = 0x20
	// BusmonLost reports that the monitor lost at least one frame before this one.
	BusmonLost uint8 = 0x10
	// BusmonSeqMask masks the 3-bit sequence number of the monitored frame.
	BusmonSeqMask uint8 = 0x07
)

// Busmon is a raw frame indication received in bus monitor mode (L_Busmon.ind).
//
// RawFrame holds the unmodified medium frame including its checksum. The
// monitor status and timestamp travel as additional info blocks.
type Busmon struct {
	Info     AddInfoList
	RawFrame []byte
}

var _ Message = (*Busmon)(nil)

// NewBusmon creates an L_Busmon.ind with the given status octet, timestamp and
// raw frame bytes.
func NewBusmon(status uint8, timestamp uint16, raw []byte) *Busmon {
	return &Busmon{
		Info: AddInfoList{
			{Type: AddInfoBusmonStatus, Data: []byte{status}},
			{Type: AddInfoTimestamp, Data: []byte{byte(timestamp >> 8), byte(timestamp)}},
		},
		RawFrame: raw,
	}
}

// Code returns the cEMI message code.
func (m *Busmon) Code() MessageCode { return BusmonInd }

// Status returns the monitor status octet.
// The second return value is false if no status info is present.
func (m *Busmon) Status() (uint8, bool) {
	data, ok := m.Info.Get(AddInfoBusmonStatus)
	if !ok || len(data) != 1 {
		return 0, false
	}
	return data[0], true
}

// Timestamp returns the relative timestamp of the monitored frame.
// The second return value is false if no timestamp is present.
func (m *Busmon) Timestamp() (uint16, bool) {
	data, ok := m.Info.Get(AddInfoTimestamp)
	if !ok || len(data) != 2 {
		return 0, false
	}
	return uint16(data[0])<<8 | uint16(data[1]), true
}

// ToBytes encodes the message into its cEMI byte representation.
func (m *Busmon) ToBytes() ([]byte, error) {
	if len(m.RawFrame) == 0 {
		return nil, fmt.Errorf("%w: empty raw frame", ErrFormat)
	}

	buf := make([]byte, 0, 2+m.Info.size()+len(m.RawFrame))
	buf = append(buf, byte(BusmonInd), byte(m.Info.size()))
	buf = m.Info.encode(buf)
	buf = append(buf, m.RawFrame...)

	return buf, nil
}

func (m *Busmon) String() string {
	status, _ := m.Status()
	return fmt.Sprintf("%s status 0x%02X raw %d bytes", BusmonInd, status, len(m.RawFrame))
}

func decodeBusmon(data []byte) (*Busmon, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %s message too short", ErrFormat, BusmonInd)
	}

	addIL := int(data[1])
	if len(data) < 3+addIL {
		return nil, fmt.Errorf("%w: %s message of %d bytes too short for %d bytes additional info",
			ErrFormat, BusmonInd, len(data), addIL)
	}

	info, err := decodeAddInfo(data[2 : 2+addIL])
	if err != nil {
		return nil, err
	}

	return &Busmon{
		Info:     info,
		RawFrame: util.CloneSlice(data[2+addIL:], 0),
	}, nil
}
