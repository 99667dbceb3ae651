package cemi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDevMgmtEncode(t *testing.T) {
	require := require.New(t)

	t.Run("property read request", func(t *testing.T) {
		msg := NewPropRead(ObjectTypeCEMIServer, 1, PIDCommMode, 1, 1)

		data, err := msg.ToBytes()
		require.NoError(err)
		require.Equal([]byte{0xFC, 0x00, 0x08, 0x01, 0x34, 0x10, 0x01}, data)
	})

	t.Run("property write request", func(t *testing.T) {
		msg := NewPropWrite(ObjectTypeCEMIServer, 1, PIDCommMode, 1, 1, []byte{CommModeBusmonitor})

		data, err := msg.ToBytes()
		require.NoError(err)
		require.Equal([]byte{0xF6, 0x00, 0x08, 0x01, 0x34, 0x10, 0x01, 0x01}, data)
	})

	t.Run("reset", func(t *testing.T) {
		msg := &DevMgmt{MsgCode: ResetReq}

		data, err := msg.ToBytes()
		require.NoError(err)
		require.Equal([]byte{0xF1}, data)
	})

	t.Run("out of range fields", func(t *testing.T) {
		msg := NewPropRead(0, 1, 1, 16, 0)
		_, err := msg.ToBytes()
		require.ErrorIs(err, ErrFormat)

		msg = NewPropRead(0, 1, 1, 1, 4096)
		_, err = msg.ToBytes()
		require.ErrorIs(err, ErrFormat)
	})

	t.Run("wrong message code", func(t *testing.T) {
		msg := &DevMgmt{MsgCode: LDataReq}
		_, err := msg.ToBytes()
		require.ErrorIs(err, ErrFormat)
	})
}

func TestDevMgmtDecode(t *testing.T) {
	require := require.New(t)

	t.Run("round trip", func(t *testing.T) {
		want := NewPropWrite(ObjectTypeCEMIServer, 1, PIDCommMode, 1, 1, []byte{CommModeDataLinkLayer})

		data, err := want.ToBytes()
		require.NoError(err)

		msg, err := Decode(data)
		require.NoError(err)
		require.Equal(want, msg)
	})

	t.Run("read confirmation with value", func(t *testing.T) {
		data := []byte{0xFB, 0x00, 0x08, 0x01, 0x34, 0x10, 0x01, 0x00}
		msg, err := Decode(data)
		require.NoError(err)

		con, ok := msg.(*DevMgmt)
		require.True(ok)
		require.Equal(PropReadCon, con.MsgCode)
		require.Equal(uint8(1), con.Elements)
		require.False(con.IsError())
		require.Equal([]byte{0x00}, con.Data)
	})

	t.Run("negative confirmation", func(t *testing.T) {
		// zero elements marks the error case, data carries the error code
		data := []byte{0xFB, 0x00, 0x08, 0x01, 0x34, 0x00, 0x01, 0x07}
		msg, err := Decode(data)
		require.NoError(err)

		con := msg.(*DevMgmt)
		require.True(con.IsError())
		require.Equal(uint8(0x07), con.ErrorCode())
	})

	t.Run("start index spans both octets", func(t *testing.T) {
		data := []byte{0xFC, 0x00, 0x00, 0x01, 0x0B, 0x1A, 0xBC}
		msg, err := Decode(data)
		require.NoError(err)

		req := msg.(*DevMgmt)
		require.Equal(uint8(1), req.Elements)
		require.Equal(uint16(0xABC), req.StartIndex)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Decode([]byte{0xFC, 0x00, 0x08})
		require.ErrorIs(err, ErrFormat)

		_, err = Decode([]byte{0xF1, 0x00})
		require.ErrorIs(err, ErrFormat)
	})
}
