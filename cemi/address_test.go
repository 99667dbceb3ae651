package cemi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndividualAddr(t *testing.T) {
	require := require.New(t)

	t.Run("compose and split", func(t *testing.T) {
		addr, err := NewIndividualAddr(1, 2, 3)
		require.NoError(err)
		require.Equal(IndividualAddr(0x1203), addr)
		require.Equal(uint8(1), addr.Area())
		require.Equal(uint8(2), addr.Line())
		require.Equal(uint8(3), addr.Device())
		require.Equal("1.2.3", addr.String())
	})

	t.Run("out of range parts", func(t *testing.T) {
		_, err := NewIndividualAddr(16, 0, 0)
		require.ErrorIs(err, ErrInvalidAddress)

		_, err = NewIndividualAddr(0, 16, 0)
		require.ErrorIs(err, ErrInvalidAddress)
	})

	t.Run("parse", func(t *testing.T) {
		tests := []struct {
			input string
			want  IndividualAddr
			ok    bool
		}{
			{"1.2.3", 0x1203, true},
			{"15.15.255", 0xFFFF, true},
			{"0.0.0", 0, true},
			{"1.2", 0, false},
			{"1.2.3.4", 0, false},
			{"1/2/3", 0, false},
			{"16.0.0", 0, false},
			{"a.b.c", 0, false},
			{"1.2.-3", 0, false},
		}

		for _, tt := range tests {
			addr, err := ParseIndividualAddr(tt.input)
			if tt.ok {
				require.NoError(err, "input %q", tt.input)
				require.Equal(tt.want, addr, "input %q", tt.input)
			} else {
				require.ErrorIs(err, ErrInvalidAddress, "input %q", tt.input)
			}
		}
	})
}

func TestGroupAddr(t *testing.T) {
	require := require.New(t)

	t.Run("compose and split", func(t *testing.T) {
		addr, err := NewGroupAddr(2, 1, 40)
		require.NoError(err)
		require.Equal(GroupAddr(0x1128), addr)
		require.Equal(uint8(2), addr.Main())
		require.Equal(uint8(1), addr.Middle())
		require.Equal(uint8(40), addr.Sub())
		require.Equal("2/1/40", addr.String())
	})

	t.Run("out of range parts", func(t *testing.T) {
		_, err := NewGroupAddr(32, 0, 0)
		require.ErrorIs(err, ErrInvalidAddress)

		_, err = NewGroupAddr(0, 8, 0)
		require.ErrorIs(err, ErrInvalidAddress)
	})

	t.Run("parse", func(t *testing.T) {
		tests := []struct {
			input string
			want  GroupAddr
			ok    bool
		}{
			{"2/1/40", 0x1128, true},
			{"31/7/255", 0xFFFF, true},
			{"0/0/0", GroupBroadcast, true},
			{"2/1", 0, false},
			{"2.1.40", 0, false},
			{"32/0/0", 0, false},
			{"0/8/0", 0, false},
			{"x/y/z", 0, false},
		}

		for _, tt := range tests {
			addr, err := ParseGroupAddr(tt.input)
			if tt.ok {
				require.NoError(err, "input %q", tt.input)
				require.Equal(tt.want, addr, "input %q", tt.input)
			} else {
				require.ErrorIs(err, ErrInvalidAddress, "input %q", tt.input)
			}
		}
	})

	t.Run("broadcast formats as 0/0/0", func(t *testing.T) {
		require.Equal("0/0/0", GroupBroadcast.String())
	})
}
