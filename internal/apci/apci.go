// Package apci builds and splits the TPDUs of group value services.
package apci

// Group value service codes, located in the upper bits of the second TPDU
// octet.
const (
	GroupValueRead     byte = 0x00
	GroupValueResponse byte = 0x40
	GroupValueWrite    byte = 0x80
)

// GroupRead builds a GroupValueRead TPDU.
func GroupRead() []byte {
	return []byte{0x00, GroupValueRead}
}

// GroupWrite builds a GroupValueWrite TPDU. A single value below 64 travels
// in the short form inside the service octet, everything else follows as
// separate octets.
func GroupWrite(data []byte) []byte {
	return encode(GroupValueWrite, data)
}

// GroupResponse builds a GroupValueResponse TPDU with the same value
// encoding as GroupWrite.
func GroupResponse(data []byte) []byte {
	return encode(GroupValueResponse, data)
}

func encode(code byte, data []byte) []byte {
	if len(data) == 1 && data[0] < 0x40 {
		return []byte{0x00, code | data[0]}
	}
	return append([]byte{0x00, code}, data...)
}

// GroupService splits a TPDU into its group value service code and payload.
// ok is false for TPDUs that carry no group value service, e.g. management
// traffic or connection control.
func GroupService(tpdu []byte) (code byte, data []byte, ok bool) {
	if len(tpdu) < 2 || tpdu[0] != 0x00 {
		return 0, nil, false
	}

	code = tpdu[1] & 0xC0
	switch code {
	case GroupValueRead:
		return code, nil, len(tpdu) == 2 && tpdu[1] == 0x00
	case GroupValueResponse, GroupValueWrite:
		if len(tpdu) > 2 {
			return code, tpdu[2:], true
		}
		return code, []byte{tpdu[1] & 0x3F}, true
	}
	return 0, nil, false
}

// ServiceName returns a short name for a group value service code.
func ServiceName(code byte) string {
	switch code {
	case GroupValueRead:
		return "read"
	case GroupValueResponse:
		return "response"
	case GroupValueWrite:
		return "write"
	}
	return "unknown"
}
