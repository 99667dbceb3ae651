package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knxlib/go-knx/cemi"
)

func TestPropClient_ReadProperty(t *testing.T) {
	var p *PropClient
	p = NewPropClient("test", func(req *cemi.DevMgmt) error {
		require.Equal(t, cemi.PropReadReq, req.MsgCode)
		go p.deliver(&cemi.DevMgmt{
			MsgCode:        cemi.PropReadCon,
			ObjectType:     req.ObjectType,
			ObjectInstance: req.ObjectInstance,
			PropertyID:     req.PropertyID,
			Elements:       req.Elements,
			StartIndex:     req.StartIndex,
			Data:           []byte{0x02, 0x10},
		})
		return nil
	}, newTestLogger())

	data, ok, err := p.ReadProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, cemi.PIDMediumType, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x02, 0x10}, data)
}

func TestPropClient_ReadPropertyAbsent(t *testing.T) {
	t.Run("no answer", func(t *testing.T) {
		// a server without device management never confirms
		p := NewPropClient("test", func(*cemi.DevMgmt) error { return nil }, newTestLogger())
		p.SetTimeout(50 * time.Millisecond)

		data, ok, err := p.ReadProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, cemi.PIDCommMode, 1, 1)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, data)
	})

	t.Run("negative confirmation", func(t *testing.T) {
		var p *PropClient
		p = NewPropClient("test", func(req *cemi.DevMgmt) error {
			go p.deliver(&cemi.DevMgmt{
				MsgCode:        cemi.PropReadCon,
				ObjectType:     req.ObjectType,
				ObjectInstance: req.ObjectInstance,
				PropertyID:     req.PropertyID,
				Elements:       0,
				StartIndex:     req.StartIndex,
				Data:           []byte{0x07},
			})
			return nil
		}, newTestLogger())

		data, ok, err := p.ReadProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, 200, 1, 1)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, data)
	})
}

func TestPropClient_WriteProperty(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var p *PropClient
		p = NewPropClient("test", func(req *cemi.DevMgmt) error {
			require.Equal(t, cemi.PropWriteReq, req.MsgCode)
			require.Equal(t, []byte{cemi.CommModeBusmonitor}, req.Data)
			go p.deliver(&cemi.DevMgmt{
				MsgCode:        cemi.PropWriteCon,
				ObjectType:     req.ObjectType,
				ObjectInstance: req.ObjectInstance,
				PropertyID:     req.PropertyID,
				Elements:       req.Elements,
				StartIndex:     req.StartIndex,
			})
			return nil
		}, newTestLogger())

		ok, err := p.WriteProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, cemi.PIDCommMode, 1, 1,
			[]byte{cemi.CommModeBusmonitor})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("refused", func(t *testing.T) {
		var p *PropClient
		p = NewPropClient("test", func(req *cemi.DevMgmt) error {
			go p.deliver(&cemi.DevMgmt{
				MsgCode:        cemi.PropWriteCon,
				ObjectType:     req.ObjectType,
				ObjectInstance: req.ObjectInstance,
				PropertyID:     req.PropertyID,
				Elements:       0,
				StartIndex:     req.StartIndex,
				Data:           []byte{0x05},
			})
			return nil
		}, newTestLogger())

		ok, err := p.WriteProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, cemi.PIDCommMode, 1, 1,
			[]byte{cemi.CommModeDataLinkLayer})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPropClient_SendError(t *testing.T) {
	sendErr := errors.New("transport down")
	p := NewPropClient("test", func(*cemi.DevMgmt) error { return sendErr }, newTestLogger())

	_, _, err := p.ReadProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, cemi.PIDMediumType, 1, 1)
	assert.ErrorIs(t, err, sendErr)
}

func TestPropClient_Closed(t *testing.T) {
	p := NewPropClient("test", func(*cemi.DevMgmt) error { return nil }, newTestLogger())
	p.close()

	_, _, err := p.ReadProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, cemi.PIDMediumType, 1, 1)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = p.WriteProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, cemi.PIDCommMode, 1, 1, []byte{0x00})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPropClient_IgnoresUnrelatedMessages(t *testing.T) {
	var p *PropClient
	p = NewPropClient("test", func(req *cemi.DevMgmt) error {
		go func() {
			// unrelated services must not complete the transaction
			p.deliver(&cemi.DevMgmt{MsgCode: cemi.PropInfoInd, ObjectType: 0, PropertyID: 53})
			p.deliver(&cemi.DevMgmt{MsgCode: cemi.ResetInd})
			p.deliver(&cemi.DevMgmt{
				MsgCode:        cemi.PropReadCon,
				ObjectType:     req.ObjectType,
				ObjectInstance: req.ObjectInstance,
				PropertyID:     req.PropertyID,
				Elements:       req.Elements,
				StartIndex:     req.StartIndex,
				Data:           []byte{0xAA},
			})
		}()
		return nil
	}, newTestLogger())

	data, ok, err := p.ReadProperty(context.Background(), cemi.ObjectTypeCEMIServer, 1, cemi.PIDMediumType, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0xAA}, data)
}
