package knxip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/pool"
	"github.com/knxlib/go-knx/internal/task"
	"github.com/knxlib/go-knx/link"
	"github.com/knxlib/go-knx/logger"
)

// Tunnel is a KNXnet/IP tunneling connection to a gateway, attached to the
// data link layer of the gateway's KNX side. It implements link.NetworkLink.
//
// Device management requests are tunneled as well, so Properties() can be
// used to query the gateway's interface objects.
type Tunnel struct {
	*link.BaseLink
	conn *tunnelConn
}

// NewTunnel opens a tunnel connection to the gateway at endpoint, given as
// "host" or "host:port" with DefaultPort as fallback. settings describe the
// KNX medium behind the gateway; nil defaults to twisted pair. If the medium
// device address is unset and the gateway assigns one, the assigned address
// is adopted.
func NewTunnel(endpoint string, settings link.MediumSettings, opts ...Option) (*Tunnel, error) {
	cfg := newConfig(opts)
	if settings == nil {
		settings = &link.TPSettings{}
	}

	base, err := link.NewBaseLink("tunnel "+endpoint, settings, cfg.logger)
	if err != nil {
		return nil, err
	}

	conn, err := dialTunnel(endpoint, LayerLink, cfg, base.DeliverRaw, base.CloseWith)
	if err != nil {
		return nil, err
	}

	t := &Tunnel{BaseLink: base, conn: conn}
	base.SetEventSource(t)
	base.RegisterSendFrameFunc(conn.sendFrame)
	base.RegisterSendMgmtFunc(conn.sendMgmt)
	base.RegisterCloseFunc(conn.shutdown)

	if conn.assigned != 0 && settings.DeviceAddr() == 0 {
		setDeviceAddr(settings, conn.assigned)
	}

	return t, nil
}

// TunnelMonitor is a KNXnet/IP tunneling connection attached as a passive
// bus monitor. It implements link.BusMonitor.
type TunnelMonitor struct {
	*link.BaseMonitor
	conn *tunnelConn
}

// NewTunnelMonitor opens a busmonitor tunnel to the gateway at endpoint.
// Most gateways serve a single busmonitor connection and refuse it while
// other tunnels are active.
func NewTunnelMonitor(endpoint string, opts ...Option) (*TunnelMonitor, error) {
	cfg := newConfig(opts)

	mon := link.NewBaseMonitor("busmonitor "+endpoint, cfg.logger)
	conn, err := dialTunnel(endpoint, LayerBusmon, cfg, mon.DeliverRaw, mon.CloseWith)
	if err != nil {
		return nil, err
	}

	m := &TunnelMonitor{BaseMonitor: mon, conn: conn}
	mon.SetEventSource(m)
	mon.RegisterCloseFunc(conn.shutdown)

	return m, nil
}

const recvBufSize = 1024

// tunnelConn runs the KNXnet/IP endpoint shared by Tunnel and TunnelMonitor:
// connect handshake, heartbeat, sequence bookkeeping and acknowledgements.
type tunnelConn struct {
	logger logger.Logger
	cfg    *config

	socket  *net.UDPConn
	taskMgr *task.TaskManager

	channel  atomic.Uint32
	assigned cemi.IndividualAddr

	// sendSeq is only touched by sendData, which the owning link
	// serializes. recvSeq is only touched by the receive loop.
	sendSeq uint8
	recvSeq uint8

	ackCh chan *TunnelAck

	resMu    sync.Mutex // one control transaction at a time
	pendMu   sync.Mutex
	pendWant ServiceType
	pendCh   chan Service

	deliver   func(data []byte)
	closeLink func(initiator link.Initiator, reason string)

	stopped atomic.Bool
	stop    chan struct{}
}

func dialTunnel(endpoint string, layer TunnelLayer, cfg *config,
	deliver func([]byte), closeLink func(link.Initiator, string),
) (*tunnelConn, error) {
	server, err := net.ResolveUDPAddr("udp4", withDefaultPort(endpoint))
	if err != nil {
		return nil, fmt.Errorf("resolve gateway address: %w", err)
	}

	socket, err := net.DialUDP("udp4", nil, server)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &tunnelConn{
		logger:    cfg.logger,
		cfg:       cfg,
		socket:    socket,
		taskMgr:   task.NewTaskManager(context.Background(), cfg.logger),
		ackCh:     make(chan *TunnelAck, 1),
		deliver:   deliver,
		closeLink: closeLink,
		stop:      make(chan struct{}),
	}

	if err := c.taskMgr.StartReceiver("tunnelReceiver", recvBufSize, c.receive, nil); err != nil {
		_ = socket.Close()
		return nil, err
	}

	if err := c.connect(layer); err != nil {
		c.abort()
		return nil, err
	}

	if _, err := c.taskMgr.StartInterval("tunnelHeartbeat", c.heartbeat, cfg.heartbeat, false); err != nil {
		c.abort()
		return nil, err
	}

	return c, nil
}

// connect performs the CONNECT_REQUEST handshake and stores the assigned
// channel and individual address.
func (c *tunnelConn) connect(layer TunnelLayer) error {
	local := c.localHPAI()

	res, err := c.request(&ConnectReq{Control: local, Data: local, Layer: layer}, SvcConnectRes, c.cfg.connectTimeout)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}

	cres, ok := res.(*ConnectRes)
	if !ok {
		return fmt.Errorf("%w: unexpected %s", ErrFormat, res.ServiceType())
	}
	if cres.Status != StatusNoError {
		return fmt.Errorf("%w: %s", ErrRefused, cres.Status)
	}

	c.channel.Store(uint32(cres.Channel))
	c.assigned = cres.Assigned
	c.logger.Info("tunnel connection established", "channel", cres.Channel, "assigned", cres.Assigned)

	return nil
}

// request sends a control service and waits for the matching response type.
func (c *tunnelConn) request(svc Service, want ServiceType, timeout time.Duration) (Service, error) {
	c.resMu.Lock()
	defer c.resMu.Unlock()

	ch := make(chan Service, 1)
	c.pendMu.Lock()
	c.pendWant = want
	c.pendCh = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		c.pendCh = nil
		c.pendMu.Unlock()
	}()

	if _, err := c.socket.Write(Pack(svc)); err != nil {
		return nil, fmt.Errorf("send %s: %w", svc.ServiceType(), err)
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no %s within %s", ErrNoResponse, want, timeout)
	case <-c.stop:
		return nil, link.ErrClosed
	}
}

func (c *tunnelConn) complete(svc Service) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	if c.pendCh == nil || svc.ServiceType() != c.pendWant {
		return
	}

	select {
	case c.pendCh <- svc:
	default:
	}
	c.pendCh = nil
}

func (c *tunnelConn) receive(buf []byte) bool {
	n, err := c.socket.Read(buf)
	if err != nil {
		if c.stopped.Load() || errors.Is(err, net.ErrClosed) {
			return false
		}

		c.logger.Error("receive failed", "error", err)
		c.close(link.InitiatorInternal, fmt.Sprintf("receive failed: %v", err))
		return false
	}

	svc, err := Unpack(buf[:n])
	if err != nil {
		c.logger.Debug("dropping malformed datagram", "error", err)
		return true
	}

	c.handleService(svc)
	return true
}

func (c *tunnelConn) handleService(svc Service) {
	switch s := svc.(type) {
	case *ConnectRes, *ConnStateRes, *DisconnectRes:
		c.complete(svc)

	case *TunnelAck:
		if uint32(s.Channel) != c.channel.Load() {
			return
		}

		select {
		case c.ackCh <- s:
		default:
		}

	case *TunnelReq:
		if uint32(s.Channel) != c.channel.Load() {
			return
		}
		c.handleTunnelReq(s)

	case *DisconnectReq:
		if uint32(s.Channel) != c.channel.Load() {
			return
		}

		c.sendService(&DisconnectRes{Channel: s.Channel})
		c.close(link.InitiatorServer, "gateway requested disconnect")

	default:
		c.logger.Debug("ignoring unexpected service", "service", svc.ServiceType())
	}
}

func (c *tunnelConn) handleTunnelReq(req *TunnelReq) {
	switch req.Seq {
	case c.recvSeq:
		c.sendAck(req.Seq)
		c.recvSeq++
		c.deliver(req.Payload)

	case c.recvSeq - 1:
		// duplicate of the previous frame, acknowledge again
		c.sendAck(req.Seq)

	default:
		c.logger.Warn("discarding out of sequence frame", "seq", req.Seq, "expected", c.recvSeq)
	}
}

// sendData transmits a cEMI message through the tunnel and waits for the
// gateway's acknowledgement, retransmitting once on timeout. The owning link
// serializes calls.
func (c *tunnelConn) sendData(payload []byte) error {
	seq := c.sendSeq
	frame := Pack(&TunnelReq{Channel: uint8(c.channel.Load()), Seq: seq, Payload: payload})

	for attempt := 1; ; attempt++ {
		if _, err := c.socket.Write(frame); err != nil {
			return fmt.Errorf("send tunneling request: %w", err)
		}

		ack, ok := c.awaitAck(seq)
		if ok {
			c.sendSeq++
			if ack.Status != StatusNoError {
				return fmt.Errorf("tunneling request rejected: %s", ack.Status)
			}
			return nil
		}

		if attempt == 2 {
			return fmt.Errorf("%w: no tunneling ack for sequence %d", ErrNoResponse, seq)
		}

		c.logger.Debug("tunneling ack timeout, retransmitting", "seq", seq)
	}
}

func (c *tunnelConn) awaitAck(seq uint8) (*TunnelAck, bool) {
	timer := pool.GetTimer(c.cfg.ackTimeout)
	defer pool.PutTimer(timer)

	for {
		select {
		case ack := <-c.ackCh:
			if ack.Seq != seq {
				continue
			}
			return ack, true
		case <-timer.C:
			return nil, false
		case <-c.stop:
			return nil, false
		}
	}
}

func (c *tunnelConn) sendFrame(frame *cemi.LData) error {
	data, err := frame.ToBytes()
	if err != nil {
		return err
	}
	return c.sendData(data)
}

func (c *tunnelConn) sendMgmt(msg *cemi.DevMgmt) error {
	data, err := msg.ToBytes()
	if err != nil {
		return err
	}
	return c.sendData(data)
}

func (c *tunnelConn) sendAck(seq uint8) {
	c.sendService(&TunnelAck{Channel: uint8(c.channel.Load()), Seq: seq})
}

func (c *tunnelConn) sendService(svc Service) {
	if _, err := c.socket.Write(Pack(svc)); err != nil {
		c.logger.Debug("send failed", "service", svc.ServiceType(), "error", err)
	}
}

// heartbeat probes the gateway with connection state requests. After
// maxStateAttempts unanswered probes the connection is considered lost.
func (c *tunnelConn) heartbeat() bool {
	req := &ConnStateReq{Channel: uint8(c.channel.Load()), Control: c.localHPAI()}

	for attempt := 1; attempt <= maxStateAttempts; attempt++ {
		res, err := c.request(req, SvcConnStateRes, c.cfg.connectTimeout)
		if err == nil {
			state, ok := res.(*ConnStateRes)
			if ok && state.Status == StatusNoError {
				return true
			}
			if ok {
				c.logger.Warn("connection state error", "status", state.Status)
			}
			continue
		}

		if errors.Is(err, link.ErrClosed) {
			return false
		}
		c.logger.Warn("connection state request unanswered", "attempt", attempt)
	}

	c.close(link.InitiatorInternal, "gateway stopped answering connection state requests")
	return false
}

func (c *tunnelConn) localHPAI() HPAI {
	if c.cfg.nat {
		return HPAI{}
	}
	if addr, ok := c.socket.LocalAddr().(*net.UDPAddr); ok {
		return HPAIFromUDP(addr)
	}
	return HPAI{}
}

// close tears the connection down and closes the owning link or monitor.
func (c *tunnelConn) close(initiator link.Initiator, reason string) {
	c.shutdown(initiator, reason)
	c.closeLink(initiator, reason)
}

// shutdown releases the socket and stops the background tasks. It is
// registered as the close hook of the owning link and must not wait for the
// receive loop.
func (c *tunnelConn) shutdown(initiator link.Initiator, _ string) {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	req := &DisconnectReq{Channel: uint8(c.channel.Load()), Control: c.localHPAI()}

	switch initiator {
	case link.InitiatorServer:
		// the gateway already dropped the channel
	case link.InitiatorInternal:
		// the connection is broken, do not wait for an answer
		c.sendService(req)
	default:
		if _, err := c.request(req, SvcDisconnectRes, disconnectTimeout); err != nil {
			c.logger.Debug("disconnect request unanswered", "error", err)
		}
	}

	close(c.stop)
	c.taskMgr.Stop()
	_ = c.socket.Close()
}

// abort cleans up a connection that never became usable.
func (c *tunnelConn) abort() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	close(c.stop)
	c.taskMgr.Stop()
	_ = c.socket.Close()
}

func withDefaultPort(endpoint string) string {
	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint
	}
	return fmt.Sprintf("%s:%d", endpoint, DefaultPort)
}

func setDeviceAddr(settings link.MediumSettings, addr cemi.IndividualAddr) {
	switch s := settings.(type) {
	case *link.TPSettings:
		s.Device = addr
	case *link.PLSettings:
		s.Device = addr
	case *link.RFSettings:
		s.Device = addr
	case *link.IPSettings:
		s.Device = addr
	}
}
