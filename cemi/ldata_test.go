package cemi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLDataEncode(t *testing.T) {
	require := require.New(t)

	t.Run("group indication", func(t *testing.T) {
		frame := &LData{
			MsgCode:  LDataInd,
			Priority: PriorityNormal,
			Src:      IndividualAddr(0x1104),
			Dst:      GroupAddr(0x1100),
			HopCount: 6,
			TPDU:     []byte{0x00, 0x81},
		}

		data, err := frame.ToBytes()
		require.NoError(err)
		require.Equal([]byte{0x29, 0x00, 0xB4, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00, 0x81}, data)
	})

	t.Run("individual request", func(t *testing.T) {
		frame := &LData{
			MsgCode:  LDataReq,
			Repeat:   true,
			Priority: PrioritySystem,
			Src:      IndividualAddr(0),
			Dst:      IndividualAddr(0x1104),
			HopCount: 6,
			TPDU:     []byte{0x43, 0x40},
		}

		data, err := frame.ToBytes()
		require.NoError(err)
		// destination type bit cleared, priority bits zero
		require.Equal([]byte{0x11, 0x00, 0xB0, 0x60, 0x00, 0x00, 0x11, 0x04, 0x01, 0x43, 0x40}, data)
	})

	t.Run("additional info", func(t *testing.T) {
		frame := &LData{
			MsgCode:  LDataReq,
			Priority: PriorityLow,
			Info:     AddInfoList{{Type: AddInfoPLMedium, Data: []byte{0x12, 0x34}}},
			Dst:      GroupAddr(0x0A00),
			HopCount: 6,
			TPDU:     []byte{0x00, 0x80},
		}

		data, err := frame.ToBytes()
		require.NoError(err)
		require.Equal(byte(4), data[1])
		require.Equal([]byte{0x01, 0x02, 0x12, 0x34}, data[2:6])
	})

	t.Run("invalid fields", func(t *testing.T) {
		frame := &LData{MsgCode: LDataReq, Dst: GroupAddr(1), HopCount: 8, TPDU: []byte{0x00}}
		_, err := frame.ToBytes()
		require.ErrorIs(err, ErrInvalidHopCount)

		frame = &LData{MsgCode: LDataReq, Dst: GroupAddr(1), TPDU: nil}
		_, err = frame.ToBytes()
		require.ErrorIs(err, ErrFormat)

		frame = &LData{MsgCode: LDataReq, TPDU: []byte{0x00}}
		_, err = frame.ToBytes()
		require.ErrorIs(err, ErrFormat)

		frame = &LData{MsgCode: BusmonInd, Dst: GroupAddr(1), TPDU: []byte{0x00}}
		_, err = frame.ToBytes()
		require.ErrorIs(err, ErrFormat)

		frame = &LData{MsgCode: LDataReq, Dst: GroupAddr(1), TPDU: make([]byte, 257)}
		_, err = frame.ToBytes()
		require.ErrorIs(err, ErrTPDUTooLong)
	})
}

func TestLDataDecode(t *testing.T) {
	require := require.New(t)

	t.Run("round trip", func(t *testing.T) {
		want := &LData{
			MsgCode:    LDataInd,
			Priority:   PriorityUrgent,
			AckRequest: true,
			Src:        IndividualAddr(0x110A),
			Dst:        GroupAddr(0x0901),
			HopCount:   5,
			TPDU:       []byte{0x00, 0x80, 0x41, 0x42},
		}

		data, err := want.ToBytes()
		require.NoError(err)

		msg, err := Decode(data)
		require.NoError(err)

		got, ok := msg.(*LData)
		require.True(ok)
		require.Equal(want, got)
	})

	t.Run("repeat flag inverted on indications", func(t *testing.T) {
		// bit 5 cleared on an indication marks a repeated frame
		data := []byte{0x29, 0x00, 0x94, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00, 0x81}
		msg, err := Decode(data)
		require.NoError(err)
		require.True(msg.(*LData).Repeat)

		// bit 5 cleared on a request means no repetitions wanted
		data = []byte{0x11, 0x00, 0x94, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00, 0x81}
		msg, err = Decode(data)
		require.NoError(err)
		require.False(msg.(*LData).Repeat)
	})

	t.Run("system broadcast flag is active low", func(t *testing.T) {
		data := []byte{0x29, 0x00, 0xA4, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00, 0x81}
		msg, err := Decode(data)
		require.NoError(err)
		require.True(msg.(*LData).SystemBroadcast)
	})

	t.Run("individual destination", func(t *testing.T) {
		data := []byte{0x2E, 0x00, 0xB0, 0x60, 0x11, 0x01, 0x11, 0x04, 0x01, 0x43, 0x40}
		msg, err := Decode(data)
		require.NoError(err)

		frame := msg.(*LData)
		require.Equal(IndividualAddr(0x1104), frame.Dst)
		require.False(frame.IsGroupDst())
	})

	t.Run("decoded TPDU does not alias the input", func(t *testing.T) {
		data := []byte{0x29, 0x00, 0xB4, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00, 0x81}
		msg, err := Decode(data)
		require.NoError(err)

		frame := msg.(*LData)
		data[10] = 0xFF
		require.Equal(byte(0x81), frame.TPDU[1])
	})

	t.Run("malformed frames", func(t *testing.T) {
		malformed := [][]byte{
			{},
			{0x29},
			{0x29, 0x00, 0xB4, 0xE0, 0x11, 0x04, 0x11, 0x00},
			// length octet announces more TPDU bytes than present
			{0x29, 0x00, 0xB4, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x05, 0x00, 0x81},
			// trailing garbage
			{0x29, 0x00, 0xB4, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00, 0x81, 0xAA},
			// additional info runs past the frame
			{0x29, 0x06, 0x01, 0x02, 0x12, 0x34, 0xB4, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00},
			// additional info block with wrong fixed size
			{0x29, 0x03, 0x01, 0x01, 0x12, 0xB4, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00, 0x81},
			// unsupported message code
			{0x42, 0x00, 0xB4, 0xE0, 0x11, 0x04, 0x11, 0x00, 0x01, 0x00, 0x81},
		}

		for i, data := range malformed {
			_, err := Decode(data)
			require.ErrorIs(err, ErrFormat, "case %d", i)
		}
	})
}
