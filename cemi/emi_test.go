package cemi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLDataToEMI(t *testing.T) {
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

		data, err := frame.ToEMI()
		require.NoError(err)
		require.Equal([]byte{0x49, 0xB4, 0x11, 0x04, 0x11, 0x00, 0xE1, 0x00, 0x81}, data)
	})

	t.Run("round trip", func(t *testing.T) {
		want := &LData{
			MsgCode:  LDataReq,
			Repeat:   true,
			Priority: PriorityLow,
			Src:      IndividualAddr(0x1101),
			Dst:      GroupAddr(0x0A05),
			HopCount: 6,
			TPDU:     []byte{0x00, 0x80, 0x12},
		}

		data, err := want.ToEMI()
		require.NoError(err)

		got, err := LDataFromEMI(data)
		require.NoError(err)
		require.Equal(want, got)
	})

	t.Run("TPDU too long for EMI", func(t *testing.T) {
		frame := &LData{
			MsgCode: LDataReq,
			Dst:     GroupAddr(1),
			TPDU:    make([]byte, 17),
		}

		_, err := frame.ToEMI()
		require.ErrorIs(err, ErrTPDUTooLong)
	})
}

func TestLDataFromEMI(t *testing.T) {
	require := require.New(t)

	t.Run("confirmation code", func(t *testing.T) {
		data := []byte{0x4E, 0xB0, 0x11, 0x01, 0x11, 0x04, 0x61, 0x43, 0x40}
		frame, err := LDataFromEMI(data)
		require.NoError(err)
		require.Equal(LDataCon, frame.MsgCode)
		require.Equal(IndividualAddr(0x1104), frame.Dst)
		require.False(frame.ConfirmError)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := LDataFromEMI([]byte{0x49, 0xB4, 0x11})
		require.ErrorIs(err, ErrFormat)

		// NPCI length does not match the frame size
		_, err = LDataFromEMI([]byte{0x49, 0xB4, 0x11, 0x04, 0x11, 0x00, 0xE5, 0x00, 0x81})
		require.ErrorIs(err, ErrFormat)

		// unknown message code
		_, err = LDataFromEMI([]byte{0xA9, 0xB4, 0x11, 0x04, 0x11, 0x00, 0xE1, 0x00, 0x81})
		require.ErrorIs(err, ErrUnsupportedMessage)
	})
}

func TestBusmonFromEMI(t *testing.T) {
	require := require.New(t)

	raw := []byte{0xBC, 0x11, 0x04, 0x11, 0x00, 0xE1, 0x00, 0x81, 0x2E}
	data := append([]byte{0x2B, 0x00, 0x12, 0x34}, raw...)

	mon, err := BusmonFromEMI(data)
	require.NoError(err)
	require.Equal(raw, mon.RawFrame)

	status, ok := mon.Status()
	require.True(ok)
	require.Equal(uint8(0), status)

	ts, ok := mon.Timestamp()
	require.True(ok)
	require.Equal(uint16(0x1234), ts)

	_, err = BusmonFromEMI([]byte{0x2B, 0x00})
	require.ErrorIs(err, ErrFormat)

	_, err = BusmonFromEMI([]byte{0x49, 0x00, 0x12, 0x34, 0xBC})
	require.ErrorIs(err, ErrUnsupportedMessage)
}
