package cemi

import (
	"fmt"

	"github.com/knxlib/go-knx/internal/util"
)

// AddInfoType identifies an additional info block in a cEMI message.
type AddInfoType uint8

const (
	// AddInfoPLMedium carries the 2-byte powerline domain address.
	AddInfoPLMedium AddInfoType = 0x01
	// AddInfoRFMedium carries RF info, serial number / domain address and LFN (8 bytes).
	AddInfoRFMedium AddInfoType = 0x02
	// AddInfoBusmonStatus carries the 1-byte bus monitor status.
	AddInfoBusmonStatus AddInfoType = 0x03
	// AddInfoTimestamp carries a 2-byte relative timestamp.
	AddInfoTimestamp AddInfoType = 0x04
	// AddInfoTimeDelay carries a 4-byte time delay until sending.
	AddInfoTimeDelay AddInfoType = 0x05
	// AddInfoExtTimestamp carries a 4-byte extended relative timestamp.
	AddInfoExtTimestamp AddInfoType = 0x06
	// AddInfoBiBat carries 2 bytes of BiBat information.
	AddInfoBiBat AddInfoType = 0x07
	// AddInfoRFMulti carries 4 bytes of RF multifrequency information.
	AddInfoRFMulti AddInfoType = 0x08
	// AddInfoPostamble carries preamble and postamble length (3 bytes).
	AddInfoPostamble AddInfoType = 0x09
	// AddInfoFastAck carries RF fast ack information (2 bytes per ack).
	AddInfoFastAck AddInfoType = 0x0A
	// AddInfoManufacturer carries manufacturer specific data.
	AddInfoManufacturer AddInfoType = 0xFE
)

// fixed data lengths of additional info types, 0 means variable
var addInfoSizes = map[AddInfoType]int{
	AddInfoPLMedium:     2,
	AddInfoRFMedium:     8,
	AddInfoBusmonStatus: 1,
	AddInfoTimestamp:    2,
	AddInfoTimeDelay:    4,
	AddInfoExtTimestamp: 4,
	AddInfoBiBat:        2,
	AddInfoRFMulti:      4,
	AddInfoPostamble:    3,
}

// AddInfo is a single additional info block of a cEMI message.
type AddInfo struct {
	Type AddInfoType
	Data []byte
}

// AddInfoList holds the additional info blocks of a cEMI message in wire order.
type AddInfoList []AddInfo

// Get returns the data of the first block with the given type.
func (l AddInfoList) Get(t AddInfoType) ([]byte, bool) {
	for _, info := range l {
		if info.Type == t {
			return info.Data, true
		}
	}
	return nil, false
}

// Set replaces the first block with the given type, or appends a new block.
func (l AddInfoList) Set(t AddInfoType, data []byte) AddInfoList {
	for i, info := range l {
		if info.Type == t {
			l[i].Data = data
			return l
		}
	}
	return append(l, AddInfo{Type: t, Data: data})
}

// size returns the encoded size of the list in bytes, excluding the length octet.
func (l AddInfoList) size() int {
	n := 0
	for _, info := range l {
		n += 2 + len(info.Data)
	}
	return n
}

// encode appends the encoded list to buf and returns the extended buffer.
func (l AddInfoList) encode(buf []byte) []byte {
	for _, info := range l {
		buf = append(buf, byte(info.Type), byte(len(info.Data)))
		buf = append(buf, info.Data...)
	}
	return buf
}

// decodeAddInfo parses additional info blocks from data, which holds exactly
// the additional info bytes announced by the length octet.
func decodeAddInfo(data []byte) (AddInfoList, error) {
	var list AddInfoList
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: truncated additional info block", ErrFormat)
		}
		typ := AddInfoType(data[0])
		size := int(data[1])
		if len(data) < 2+size {
			return nil, fmt.Errorf("%w: additional info block of type 0x%02X announces %d bytes, %d available",
				ErrFormat, byte(typ), size, len(data)-2)
		}
		if want, ok := addInfoSizes[typ]; ok && size != want {
			return nil, fmt.Errorf("%w: additional info block of type 0x%02X has size %d, want %d",
				ErrFormat, byte(typ), size, want)
		}
		list = append(list, AddInfo{Type: typ, Data: util.CloneSlice(data[2:2+size], 0)})
		data = data[2+size:]
	}
	return list, nil
}
