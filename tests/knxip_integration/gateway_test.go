// Package knxipintegration contains integration tests for the knxip package
// that exercise full tunnel connection lifecycles over real UDP.
//
// The tests drive a raw UDP gateway standing in for the KNXnet/IP server
// side, which this library does not implement. The raw gateway orchestrates
// precise frame ordering (connect grants, tunneling acknowledgements,
// server initiated disconnects) that cannot be produced with library
// instances alone.
package knxipintegration

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/knxip"
	"github.com/knxlib/go-knx/link"
)

// testAssigned is the individual address the raw gateway hands out, 1.1.250.
const testAssigned = cemi.IndividualAddr(0x11FA)

// rawGateway is a scripted KNXnet/IP gateway on a loopback UDP socket. It
// replies to whichever endpoint sent the last datagram, so it keeps working
// when a reconnecting client shows up on a fresh socket.
type rawGateway struct {
	socket *net.UDPConn
	remote *net.UDPAddr
}

func newRawGateway(t *testing.T) *rawGateway {
	t.Helper()

	socket, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = socket.Close() })

	return &rawGateway{socket: socket}
}

func (g *rawGateway) endpoint() string {
	return g.socket.LocalAddr().String()
}

// read returns the next service, remembering the sender for replies.
func (g *rawGateway) read() (knxip.Service, error) {
	if err := g.socket.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	buf := make([]byte, 1024)
	n, remote, err := g.socket.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("read datagram: %w", err)
	}
	g.remote = remote

	svc, err := knxip.Unpack(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("unpack datagram: %w", err)
	}

	return svc, nil
}

func (g *rawGateway) write(svc knxip.Service) error {
	if _, err := g.socket.WriteToUDP(knxip.Pack(svc), g.remote); err != nil {
		return fmt.Errorf("write %s: %w", svc.ServiceType(), err)
	}
	return nil
}

func (g *rawGateway) localHPAI() knxip.HPAI {
	if addr, ok := g.socket.LocalAddr().(*net.UDPAddr); ok {
		return knxip.HPAIFromUDP(addr)
	}
	return knxip.HPAI{}
}

// acceptConnect reads a CONNECT_REQUEST and grants it on the given channel.
func (g *rawGateway) acceptConnect(channel uint8) error {
	svc, err := g.read()
	if err != nil {
		return err
	}
	if _, ok := svc.(*knxip.ConnectReq); !ok {
		return fmt.Errorf("expected CONNECT_REQUEST, got %s", svc.ServiceType())
	}

	return g.write(&knxip.ConnectRes{
		Channel:  channel,
		Data:     g.localHPAI(),
		Assigned: testAssigned,
	})
}

// readTunnelReq reads a TUNNELING_REQUEST with the expected sequence number
// and acknowledges it.
func (g *rawGateway) readTunnelReq(channel, seq uint8) (*knxip.TunnelReq, error) {
	svc, err := g.read()
	if err != nil {
		return nil, err
	}

	req, ok := svc.(*knxip.TunnelReq)
	if !ok {
		return nil, fmt.Errorf("expected TUNNELING_REQUEST, got %s", svc.ServiceType())
	}
	if req.Seq != seq {
		return nil, fmt.Errorf("request sequence %d, want %d", req.Seq, seq)
	}

	if err := g.write(&knxip.TunnelAck{Channel: channel, Seq: seq}); err != nil {
		return nil, err
	}

	return req, nil
}

// pushFrame sends a cEMI message as a TUNNELING_REQUEST and waits for the
// client's acknowledgement.
func (g *rawGateway) pushFrame(channel, seq uint8, msg cemi.Message) error {
	payload, err := msg.ToBytes()
	if err != nil {
		return fmt.Errorf("encode pushed message: %w", err)
	}

	if err := g.write(&knxip.TunnelReq{Channel: channel, Seq: seq, Payload: payload}); err != nil {
		return err
	}

	svc, err := g.read()
	if err != nil {
		return err
	}

	ack, ok := svc.(*knxip.TunnelAck)
	if !ok {
		return fmt.Errorf("expected TUNNELING_ACK, got %s", svc.ServiceType())
	}
	if ack.Seq != seq {
		return fmt.Errorf("acknowledged sequence %d, want %d", ack.Seq, seq)
	}

	return nil
}

// answerDisconnect reads the client's DISCONNECT_REQUEST and acknowledges it.
func (g *rawGateway) answerDisconnect() error {
	svc, err := g.read()
	if err != nil {
		return err
	}

	req, ok := svc.(*knxip.DisconnectReq)
	if !ok {
		return fmt.Errorf("expected DISCONNECT_REQUEST, got %s", svc.ServiceType())
	}

	return g.write(&knxip.DisconnectRes{Channel: req.Channel})
}

// frameCollector records link events for assertions.
type frameCollector struct {
	indications chan *cemi.LData
	closes      chan link.CloseEvent
}

func newFrameCollector() *frameCollector {
	return &frameCollector{
		indications: make(chan *cemi.LData, 8),
		closes:      make(chan link.CloseEvent, 8),
	}
}

func (c *frameCollector) Indication(ev link.FrameEvent) {
	if f, ok := ev.Frame.(*cemi.LData); ok {
		c.indications <- f
	}
}

func (c *frameCollector) Confirmation(link.FrameEvent) {}

func (c *frameCollector) LinkClosed(ev link.CloseEvent) {
	c.closes <- ev
}
