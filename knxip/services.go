package knxip

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/knxlib/go-knx/cemi"
)

// TunnelLayer selects the KNX layer of a tunnel connection.
type TunnelLayer uint8

const (
	// LayerLink attaches the tunnel to the data link layer.
	LayerLink TunnelLayer = 0x02
	// LayerBusmon attaches the tunnel as a passive bus monitor.
	LayerBusmon TunnelLayer = 0x80
)

const connTypeTunnel = 0x04

// ConnectReq asks a gateway to open a tunnel connection.
type ConnectReq struct {
	// Control is the endpoint for control traffic, Data the endpoint for
	// tunneled frames. This package uses a single socket for both.
	Control HPAI
	Data    HPAI
	// Layer is the requested KNX layer.
	Layer TunnelLayer
}

// ServiceType returns SvcConnectReq.
func (*ConnectReq) ServiceType() ServiceType { return SvcConnectReq }

func (r *ConnectReq) payload() []byte {
	buf := make([]byte, 0, 2*hpaiSize+4)
	buf = r.Control.encode(buf)
	buf = r.Data.encode(buf)
	return append(buf, 4, connTypeTunnel, byte(r.Layer), 0)
}

func parseConnectReq(data []byte) (*ConnectReq, error) {
	if len(data) < 2*hpaiSize+4 {
		return nil, fmt.Errorf("%w: connect request truncated", ErrFormat)
	}

	control, err := parseHPAI(data)
	if err != nil {
		return nil, err
	}
	dataEP, err := parseHPAI(data[hpaiSize:])
	if err != nil {
		return nil, err
	}

	cri := data[2*hpaiSize:]
	if cri[0] != 4 || cri[1] != connTypeTunnel {
		return nil, fmt.Errorf("%w: unsupported connection request block", ErrFormat)
	}

	return &ConnectReq{Control: control, Data: dataEP, Layer: TunnelLayer(cri[2])}, nil
}

// ConnectRes is the gateway's answer to a ConnectReq. On a non-zero Status
// the remaining fields are meaningless.
type ConnectRes struct {
	Channel uint8
	Status  Status
	// Data is the gateway's endpoint for tunneled frames.
	Data HPAI
	// Assigned is the individual address the gateway allocated for this
	// tunnel, 0 if the gateway did not provide one.
	Assigned cemi.IndividualAddr
}

// ServiceType returns SvcConnectRes.
func (*ConnectRes) ServiceType() ServiceType { return SvcConnectRes }

func (r *ConnectRes) payload() []byte {
	buf := make([]byte, 0, 2+hpaiSize+4)
	buf = append(buf, r.Channel, byte(r.Status))
	if r.Status != StatusNoError {
		return buf
	}

	buf = r.Data.encode(buf)
	return append(buf, 4, connTypeTunnel, byte(r.Assigned>>8), byte(r.Assigned))
}

func parseConnectRes(data []byte) (*ConnectRes, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: connect response truncated", ErrFormat)
	}

	res := &ConnectRes{Channel: data[0], Status: Status(data[1])}
	if res.Status != StatusNoError {
		return res, nil
	}

	if len(data) < 2+hpaiSize+4 {
		return nil, fmt.Errorf("%w: connect response truncated", ErrFormat)
	}

	dataEP, err := parseHPAI(data[2:])
	if err != nil {
		return nil, err
	}
	res.Data = dataEP

	crd := data[2+hpaiSize:]
	if crd[0] != 4 || crd[1] != connTypeTunnel {
		return nil, fmt.Errorf("%w: unsupported connection response block", ErrFormat)
	}
	res.Assigned = cemi.IndividualAddr(binary.BigEndian.Uint16(crd[2:]))

	return res, nil
}

// ConnStateReq is the periodic heartbeat probing that the gateway still holds
// the connection.
type ConnStateReq struct {
	Channel uint8
	Control HPAI
}

// ServiceType returns SvcConnStateReq.
func (*ConnStateReq) ServiceType() ServiceType { return SvcConnStateReq }

func (r *ConnStateReq) payload() []byte {
	buf := make([]byte, 0, 2+hpaiSize)
	buf = append(buf, r.Channel, 0)
	return r.Control.encode(buf)
}

func parseConnStateReq(data []byte) (*ConnStateReq, error) {
	if len(data) < 2+hpaiSize {
		return nil, fmt.Errorf("%w: connection state request truncated", ErrFormat)
	}

	control, err := parseHPAI(data[2:])
	if err != nil {
		return nil, err
	}

	return &ConnStateReq{Channel: data[0], Control: control}, nil
}

// ConnStateRes answers a ConnStateReq.
type ConnStateRes struct {
	Channel uint8
	Status  Status
}

// ServiceType returns SvcConnStateRes.
func (*ConnStateRes) ServiceType() ServiceType { return SvcConnStateRes }

func (r *ConnStateRes) payload() []byte {
	return []byte{r.Channel, byte(r.Status)}
}

func parseConnStateRes(data []byte) (*ConnStateRes, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: connection state response truncated", ErrFormat)
	}
	return &ConnStateRes{Channel: data[0], Status: Status(data[1])}, nil
}

// DisconnectReq tears down a tunnel connection. Both sides may send it.
type DisconnectReq struct {
	Channel uint8
	Control HPAI
}

// ServiceType returns SvcDisconnectReq.
func (*DisconnectReq) ServiceType() ServiceType { return SvcDisconnectReq }

func (r *DisconnectReq) payload() []byte {
	buf := make([]byte, 0, 2+hpaiSize)
	buf = append(buf, r.Channel, 0)
	return r.Control.encode(buf)
}

func parseDisconnectReq(data []byte) (*DisconnectReq, error) {
	if len(data) < 2+hpaiSize {
		return nil, fmt.Errorf("%w: disconnect request truncated", ErrFormat)
	}

	control, err := parseHPAI(data[2:])
	if err != nil {
		return nil, err
	}

	return &DisconnectReq{Channel: data[0], Control: control}, nil
}

// DisconnectRes acknowledges a DisconnectReq.
type DisconnectRes struct {
	Channel uint8
	Status  Status
}

// ServiceType returns SvcDisconnectRes.
func (*DisconnectRes) ServiceType() ServiceType { return SvcDisconnectRes }

func (r *DisconnectRes) payload() []byte {
	return []byte{r.Channel, byte(r.Status)}
}

func parseDisconnectRes(data []byte) (*DisconnectRes, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: disconnect response truncated", ErrFormat)
	}
	return &DisconnectRes{Channel: data[0], Status: Status(data[1])}, nil
}

const connHeaderSize = 4

// TunnelReq carries a cEMI frame through a tunnel connection.
type TunnelReq struct {
	Channel uint8
	// Seq is the sequence counter of the sending side. The receiver
	// acknowledges it in a TunnelAck.
	Seq uint8
	// Payload is the cEMI encoded message.
	Payload []byte
}

// ServiceType returns SvcTunnelReq.
func (*TunnelReq) ServiceType() ServiceType { return SvcTunnelReq }

func (r *TunnelReq) payload() []byte {
	buf := make([]byte, 0, connHeaderSize+len(r.Payload))
	buf = append(buf, connHeaderSize, r.Channel, r.Seq, 0)
	return append(buf, r.Payload...)
}

func parseTunnelReq(data []byte) (*TunnelReq, error) {
	if len(data) < connHeaderSize || data[0] != connHeaderSize {
		return nil, fmt.Errorf("%w: tunneling request truncated", ErrFormat)
	}

	return &TunnelReq{
		Channel: data[1],
		Seq:     data[2],
		Payload: data[connHeaderSize:],
	}, nil
}

// TunnelAck acknowledges a TunnelReq.
type TunnelAck struct {
	Channel uint8
	Seq     uint8
	Status  Status
}

// ServiceType returns SvcTunnelAck.
func (*TunnelAck) ServiceType() ServiceType { return SvcTunnelAck }

func (r *TunnelAck) payload() []byte {
	return []byte{connHeaderSize, r.Channel, r.Seq, byte(r.Status)}
}

func parseTunnelAck(data []byte) (*TunnelAck, error) {
	if len(data) < connHeaderSize || data[0] != connHeaderSize {
		return nil, fmt.Errorf("%w: tunneling ack truncated", ErrFormat)
	}

	return &TunnelAck{Channel: data[1], Seq: data[2], Status: Status(data[3])}, nil
}

// RoutingInd carries a cEMI frame on the routing multicast group.
type RoutingInd struct {
	// Payload is the cEMI encoded message, usually an L_Data.ind.
	Payload []byte
}

// ServiceType returns SvcRoutingInd.
func (*RoutingInd) ServiceType() ServiceType { return SvcRoutingInd }

func (r *RoutingInd) payload() []byte {
	return r.Payload
}

func parseRoutingInd(data []byte) (*RoutingInd, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: routing indication without payload", ErrFormat)
	}
	return &RoutingInd{Payload: data}, nil
}

// RoutingLost reports that a router dropped frames from its queue.
type RoutingLost struct {
	// DeviceState is the router's KNX device state field.
	DeviceState uint8
	// Lost is the number of frames the router dropped.
	Lost uint16
}

// ServiceType returns SvcRoutingLost.
func (*RoutingLost) ServiceType() ServiceType { return SvcRoutingLost }

func (r *RoutingLost) payload() []byte {
	return []byte{4, r.DeviceState, byte(r.Lost >> 8), byte(r.Lost)}
}

func parseRoutingLost(data []byte) (*RoutingLost, error) {
	if len(data) < 4 || data[0] != 4 {
		return nil, fmt.Errorf("%w: routing lost message truncated", ErrFormat)
	}

	return &RoutingLost{
		DeviceState: data[1],
		Lost:        binary.BigEndian.Uint16(data[2:]),
	}, nil
}

// RoutingBusy asks senders on the multicast group to pause transmission.
type RoutingBusy struct {
	// DeviceState is the router's KNX device state field.
	DeviceState uint8
	// WaitTime is the requested send pause.
	WaitTime time.Duration
	// Control narrows the request to a subset of senders, 0 addresses all.
	Control uint16
}

// ServiceType returns SvcRoutingBusy.
func (*RoutingBusy) ServiceType() ServiceType { return SvcRoutingBusy }

func (r *RoutingBusy) payload() []byte {
	wait := uint16(r.WaitTime / time.Millisecond)
	return []byte{6, r.DeviceState, byte(wait >> 8), byte(wait), byte(r.Control >> 8), byte(r.Control)}
}

func parseRoutingBusy(data []byte) (*RoutingBusy, error) {
	if len(data) < 6 || data[0] != 6 {
		return nil, fmt.Errorf("%w: routing busy message truncated", ErrFormat)
	}

	return &RoutingBusy{
		DeviceState: data[1],
		WaitTime:    time.Duration(binary.BigEndian.Uint16(data[2:])) * time.Millisecond,
		Control:     binary.BigEndian.Uint16(data[4:]),
	}, nil
}
