package knxip

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DefaultPort is the UDP port of KNXnet/IP devices.
const DefaultPort = 3671

const (
	headerSize   = 6
	protoVersion = 0x10

	hostProtoUDP = 0x01
)

// ServiceType identifies a KNXnet/IP service.
type ServiceType uint16

// Core, tunneling and routing service types.
const (
	SvcConnectReq    ServiceType = 0x0205
	SvcConnectRes    ServiceType = 0x0206
	SvcConnStateReq  ServiceType = 0x0207
	SvcConnStateRes  ServiceType = 0x0208
	SvcDisconnectReq ServiceType = 0x0209
	SvcDisconnectRes ServiceType = 0x020A

	SvcTunnelReq ServiceType = 0x0420
	SvcTunnelAck ServiceType = 0x0421

	SvcRoutingInd  ServiceType = 0x0530
	SvcRoutingLost ServiceType = 0x0531
	SvcRoutingBusy ServiceType = 0x0532
)

// String returns the service name.
func (s ServiceType) String() string {
	switch s {
	case SvcConnectReq:
		return "CONNECT_REQUEST"
	case SvcConnectRes:
		return "CONNECT_RESPONSE"
	case SvcConnStateReq:
		return "CONNECTIONSTATE_REQUEST"
	case SvcConnStateRes:
		return "CONNECTIONSTATE_RESPONSE"
	case SvcDisconnectReq:
		return "DISCONNECT_REQUEST"
	case SvcDisconnectRes:
		return "DISCONNECT_RESPONSE"
	case SvcTunnelReq:
		return "TUNNELING_REQUEST"
	case SvcTunnelAck:
		return "TUNNELING_ACK"
	case SvcRoutingInd:
		return "ROUTING_INDICATION"
	case SvcRoutingLost:
		return "ROUTING_LOST_MESSAGE"
	case SvcRoutingBusy:
		return "ROUTING_BUSY"
	default:
		return fmt.Sprintf("service 0x%04X", uint16(s))
	}
}

// Status is a KNXnet/IP error code carried in response frames.
type Status uint8

// Error codes used by the core, tunneling and routing services.
const (
	StatusNoError             Status = 0x00
	StatusHostProtocolType    Status = 0x01
	StatusVersionNotSupported Status = 0x02
	StatusSequenceNumber      Status = 0x04
	StatusConnectionType      Status = 0x22
	StatusConnectionOption    Status = 0x23
	StatusNoMoreConnections   Status = 0x24
	StatusDataConnection      Status = 0x26
	StatusKNXConnection       Status = 0x27
	StatusTunnelingLayer      Status = 0x29
)

// String returns a short description of the error code.
func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "no error"
	case StatusHostProtocolType:
		return "unsupported host protocol"
	case StatusVersionNotSupported:
		return "unsupported protocol version"
	case StatusSequenceNumber:
		return "out of order sequence number"
	case StatusConnectionType:
		return "unsupported connection type"
	case StatusConnectionOption:
		return "unsupported connection option"
	case StatusNoMoreConnections:
		return "no more connections"
	case StatusDataConnection:
		return "data connection error"
	case StatusKNXConnection:
		return "KNX connection error"
	case StatusTunnelingLayer:
		return "unsupported tunneling layer"
	default:
		return fmt.Sprintf("error 0x%02X", uint8(s))
	}
}

// Service is the body of a KNXnet/IP frame. Pack prepends the common frame
// header, Unpack parses a datagram into one of the concrete service types.
type Service interface {
	// ServiceType returns the service type identifier of the frame.
	ServiceType() ServiceType

	payload() []byte
}

// Pack encodes a service into a complete KNXnet/IP frame including the
// common header.
func Pack(svc Service) []byte {
	body := svc.payload()
	total := headerSize + len(body)

	buf := make([]byte, 0, total)
	buf = append(buf,
		headerSize,
		protoVersion,
		byte(svc.ServiceType()>>8),
		byte(svc.ServiceType()),
		byte(total>>8),
		byte(total),
	)

	return append(buf, body...)
}

// Unpack parses a KNXnet/IP datagram. All returned errors wrap ErrFormat.
func Unpack(data []byte) (Service, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: datagram shorter than header", ErrFormat)
	}
	if data[0] != headerSize || data[1] != protoVersion {
		return nil, fmt.Errorf("%w: unsupported header %02X %02X", ErrFormat, data[0], data[1])
	}

	total := int(binary.BigEndian.Uint16(data[4:]))
	if total < headerSize || total > len(data) {
		return nil, fmt.Errorf("%w: frame length %d does not match datagram size %d", ErrFormat, total, len(data))
	}
	body := data[headerSize:total]

	svcType := ServiceType(binary.BigEndian.Uint16(data[2:]))
	switch svcType {
	case SvcConnectReq:
		return parseConnectReq(body)
	case SvcConnectRes:
		return parseConnectRes(body)
	case SvcConnStateReq:
		return parseConnStateReq(body)
	case SvcConnStateRes:
		return parseConnStateRes(body)
	case SvcDisconnectReq:
		return parseDisconnectReq(body)
	case SvcDisconnectRes:
		return parseDisconnectRes(body)
	case SvcTunnelReq:
		return parseTunnelReq(body)
	case SvcTunnelAck:
		return parseTunnelAck(body)
	case SvcRoutingInd:
		return parseRoutingInd(body)
	case SvcRoutingLost:
		return parseRoutingLost(body)
	case SvcRoutingBusy:
		return parseRoutingBusy(body)
	default:
		return nil, fmt.Errorf("%w: unknown service %s", ErrFormat, svcType)
	}
}

// HPAI is a host protocol address information block describing a UDP
// endpoint. A zero value stands for "use the source address of the datagram"
// and is sent when NAT traversal is requested.
type HPAI struct {
	Addr net.IP
	Port uint16
}

const hpaiSize = 8

// HPAIFromUDP builds an HPAI from a UDP address.
func HPAIFromUDP(addr *net.UDPAddr) HPAI {
	return HPAI{Addr: addr.IP, Port: uint16(addr.Port)}
}

func (h HPAI) encode(buf []byte) []byte {
	ip := h.Addr.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}

	buf = append(buf, hpaiSize, hostProtoUDP)
	buf = append(buf, ip...)
	return append(buf, byte(h.Port>>8), byte(h.Port))
}

func parseHPAI(data []byte) (HPAI, error) {
	if len(data) < hpaiSize || data[0] != hpaiSize {
		return HPAI{}, fmt.Errorf("%w: invalid HPAI block", ErrFormat)
	}
	if data[1] != hostProtoUDP {
		return HPAI{}, fmt.Errorf("%w: unsupported host protocol 0x%02X", ErrFormat, data[1])
	}

	return HPAI{
		Addr: net.IPv4(data[2], data[3], data[4], data[5]).To4(),
		Port: binary.BigEndian.Uint16(data[6:]),
	}, nil
}
