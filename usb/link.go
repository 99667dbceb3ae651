package usb

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/pool"
	"github.com/knxlib/go-knx/internal/task"
	"github.com/knxlib/go-knx/link"
	"github.com/knxlib/go-knx/logger"
)

// Link is a KNX data link layer connection through a KNX USB interface. It
// implements link.NetworkLink.
//
// The EMI format of the tunnel is negotiated on open: cEMI is preferred,
// EMI2 and EMI1 interfaces work through the EMI translation of the base
// link. On cEMI interfaces the device management client is available
// through Properties.
type Link struct {
	*link.BaseLink
	conn *usbConn
}

// NewLink opens a KNX USB interface. The device selector is either empty,
// which picks the first KNX HID interface found, or "vid:pid" with
// hexadecimal numbers. settings describe the bus side of the interface;
// nil falls back to twisted pair defaults.
func NewLink(device string, settings link.MediumSettings, opts ...Option) (*Link, error) {
	cfg := newConfig(opts)

	dev, err := openDevice(device)
	if err != nil {
		return nil, err
	}
	return newLink(dev.id(), dev, settings, cfg)
}

func newLink(device string, dev io.ReadWriteCloser, settings link.MediumSettings, cfg *config) (*Link, error) {
	if settings == nil {
		settings = &link.TPSettings{}
	}

	base, err := link.NewBaseLink("usb "+device, settings, cfg.logger)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	conn := newUSBConn(dev, cfg)
	conn.closeLink = base.CloseWith
	conn.onTunnel = func(emiID byte, body []byte) {
		switch emiID {
		case emiIDCEMI:
			base.DeliverRaw(body)
		case emiID1, emiID2:
			base.DeliverEMI(body)
		default:
			cfg.logger.Debug("dropping frame with unexpected EMI", "link", base.Name(), "emi", emiID)
		}
	}

	l := &Link{BaseLink: base, conn: conn}
	base.SetEventSource(l)
	base.RegisterCloseFunc(conn.shutdown)

	if err := conn.start(); err != nil {
		conn.abort()
		return nil, err
	}

	emi, err := conn.negotiateEMI(false)
	if err != nil {
		conn.abort()
		return nil, err
	}

	if emi == emiIDCEMI {
		base.RegisterSendFrameFunc(conn.sendFrame)
		base.RegisterSendMgmtFunc(conn.sendMgmt)

		// Make sure the cEMI server is in data link layer mode. Interfaces
		// without a communication mode property already are.
		ctx, cancel := context.WithTimeout(context.Background(), cfg.responseTimeout)
		ok, err := base.Properties().WriteProperty(ctx, cemi.ObjectTypeCEMIServer, 1,
			cemi.PIDCommMode, 1, 1, []byte{cemi.CommModeDataLinkLayer})
		cancel()
		if err != nil {
			conn.abort()
			return nil, fmt.Errorf("switch to data link layer mode: %w", err)
		}
		if !ok {
			cfg.logger.Debug("interface has no communication mode property", "link", base.Name())
		}
	} else {
		base.RegisterSendRawFunc(conn.sendRaw)
	}

	return l, nil
}

// Monitor captures raw bus traffic through a KNX USB interface. It
// implements link.BusMonitor.
//
// Busmonitor mode needs a cEMI interface: the mode is entered by writing
// the communication mode property of the cEMI server and left again when
// the monitor closes.
type Monitor struct {
	*link.BaseMonitor
	conn *usbConn
}

// NewMonitor opens a KNX USB interface in busmonitor mode. See NewLink for
// the device selector.
func NewMonitor(device string, opts ...Option) (*Monitor, error) {
	cfg := newConfig(opts)

	dev, err := openDevice(device)
	if err != nil {
		return nil, err
	}
	return newMonitor(dev.id(), dev, cfg)
}

func newMonitor(device string, dev io.ReadWriteCloser, cfg *config) (*Monitor, error) {
	mon := link.NewBaseMonitor("usb busmonitor "+device, cfg.logger)

	conn := newUSBConn(dev, cfg)
	conn.closeLink = mon.CloseWith
	conn.onTunnel = func(emiID byte, body []byte) {
		if emiID != emiIDCEMI {
			cfg.logger.Debug("dropping frame with unexpected EMI", "monitor", mon.Name(), "emi", emiID)
			return
		}

		msg, err := cemi.Decode(body)
		if err != nil {
			cfg.logger.Warn("dropping malformed frame", "monitor", mon.Name(), "error", err)
			return
		}

		switch msg := msg.(type) {
		case *cemi.Busmon:
			mon.Deliver(msg)
		case *cemi.DevMgmt:
			conn.completeMgmt(msg)
		default:
			cfg.logger.Debug("dropping unexpected message", "monitor", mon.Name(), "code", msg.Code())
		}
	}

	m := &Monitor{BaseMonitor: mon, conn: conn}
	mon.SetEventSource(m)
	mon.RegisterCloseFunc(conn.shutdown)

	if err := conn.start(); err != nil {
		conn.abort()
		return nil, err
	}

	if _, err := conn.negotiateEMI(true); err != nil {
		conn.abort()
		return nil, err
	}

	if err := conn.setCommMode(cemi.CommModeBusmonitor); err != nil {
		conn.abort()
		return nil, fmt.Errorf("enter busmonitor mode: %w", err)
	}
	conn.restoreMode = true

	return m, nil
}

// usbConn drives the KNX USB transfer protocol: report assembly, the
// feature handshake on open, tunnel frames in both directions.
type usbConn struct {
	logger logger.Logger
	cfg    *config
	dev    io.ReadWriteCloser

	taskMgr *task.TaskManager
	asm     assembler

	writeMu sync.Mutex // reports of one frame must not interleave
	exchMu  sync.Mutex // one request to the bus access server at a time

	featMu   sync.Mutex
	featCh   chan []byte
	featWant byte

	mgmtMu sync.Mutex
	mgmtCh chan *cemi.DevMgmt

	activeEMI   byte
	restoreMode bool

	onTunnel  func(emiID byte, body []byte)
	closeLink func(initiator link.Initiator, reason string)

	stopped atomic.Bool
	stop    chan struct{}
}

func newUSBConn(dev io.ReadWriteCloser, cfg *config) *usbConn {
	return &usbConn{
		logger:  cfg.logger,
		cfg:     cfg,
		dev:     dev,
		taskMgr: task.NewTaskManager(context.Background(), cfg.logger),
		stop:    make(chan struct{}),
	}
}

func (c *usbConn) start() error {
	return c.taskMgr.StartReceiver("usbReceiver", reportSize, c.receive, nil)
}

// negotiateEMI selects the EMI format of the tunnel, preferring cEMI over
// EMI2 over EMI1. needCEMI restricts the choice to cEMI.
func (c *usbConn) negotiateEMI(needCEMI bool) (byte, error) {
	value, err := c.getFeature(featureSupportedEMI)
	if err != nil {
		return 0, fmt.Errorf("query supported EMI types: %w", err)
	}
	if len(value) == 0 {
		return 0, fmt.Errorf("%w: empty supported EMI types value", ErrFormat)
	}
	bits := value[len(value)-1]

	var emi byte
	switch {
	case bits&emiBitCEMI != 0:
		emi = emiIDCEMI
	case needCEMI:
		return 0, fmt.Errorf("%w: busmonitor needs cEMI, interface offers 0x%02X", ErrUnsupported, bits)
	case bits&emiBitEMI2 != 0:
		emi = emiID2
	case bits&emiBitEMI1 != 0:
		emi = emiID1
	default:
		return 0, fmt.Errorf("%w: interface offers 0x%02X", ErrUnsupported, bits)
	}

	if err := c.setFeature(featureActiveEMI, emi); err != nil {
		return 0, fmt.Errorf("activate EMI type %d: %w", emi, err)
	}
	c.activeEMI = emi

	c.logger.Debug("EMI type selected", "emi", emi)
	return emi, nil
}

// getFeature queries a feature value of the bus access server.
func (c *usbConn) getFeature(feature byte) ([]byte, error) {
	c.exchMu.Lock()
	defer c.exchMu.Unlock()

	ch := make(chan []byte, 1)
	c.featMu.Lock()
	c.featCh = ch
	c.featWant = feature
	c.featMu.Unlock()

	defer func() {
		c.featMu.Lock()
		c.featCh = nil
		c.featMu.Unlock()
	}()

	if err := c.writeFrame(protocolFeature, featureGet, []byte{feature}); err != nil {
		return nil, err
	}

	timer := pool.GetTimer(c.cfg.responseTimeout)
	defer pool.PutTimer(timer)

	select {
	case value := <-ch:
		return value, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: feature %d not answered within %s",
			ErrNoResponse, feature, c.cfg.responseTimeout)
	case <-c.stop:
		return nil, link.ErrClosed
	}
}

// setFeature writes a feature value. The server does not confirm the write.
func (c *usbConn) setFeature(feature, value byte) error {
	return c.writeFrame(protocolFeature, featureSet, []byte{feature, value})
}

// setCommMode writes the communication mode property of the cEMI server and
// waits for the confirmation.
func (c *usbConn) setCommMode(mode byte) error {
	c.exchMu.Lock()
	defer c.exchMu.Unlock()

	ch := make(chan *cemi.DevMgmt, 1)
	c.mgmtMu.Lock()
	c.mgmtCh = ch
	c.mgmtMu.Unlock()

	defer func() {
		c.mgmtMu.Lock()
		c.mgmtCh = nil
		c.mgmtMu.Unlock()
	}()

	req := cemi.NewPropWrite(cemi.ObjectTypeCEMIServer, 1, cemi.PIDCommMode, 1, 1, []byte{mode})
	if err := c.sendMgmt(req); err != nil {
		return err
	}

	timer := pool.GetTimer(c.cfg.responseTimeout)
	defer pool.PutTimer(timer)

	select {
	case con := <-ch:
		if con.IsError() {
			return fmt.Errorf("communication mode refused, error code 0x%02X", con.ErrorCode())
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: communication mode not confirmed within %s",
			ErrNoResponse, c.cfg.responseTimeout)
	case <-c.stop:
		return link.ErrClosed
	}
}

// completeMgmt hands a device management confirmation to the transaction
// waiting in setCommMode.
func (c *usbConn) completeMgmt(msg *cemi.DevMgmt) {
	if msg.MsgCode != cemi.PropWriteCon {
		return
	}

	c.mgmtMu.Lock()
	defer c.mgmtMu.Unlock()

	if c.mgmtCh == nil {
		c.logger.Debug("dropping unexpected confirmation", "code", msg.MsgCode)
		return
	}

	select {
	case c.mgmtCh <- msg:
	default:
	}
	c.mgmtCh = nil
}

// sendFrame transmits an L_Data request as a cEMI tunnel frame. The data
// link layer confirmation arrives later as a regular inbound frame.
func (c *usbConn) sendFrame(frame *cemi.LData) error {
	data, err := frame.ToBytes()
	if err != nil {
		return err
	}
	return c.writeFrame(protocolTunnel, emiIDCEMI, data)
}

// sendRaw transmits an EMI1/EMI2 encoded frame.
func (c *usbConn) sendRaw(emi []byte) error {
	return c.writeFrame(protocolTunnel, c.activeEMI, emi)
}

// sendMgmt transmits a device management message as a cEMI tunnel frame.
func (c *usbConn) sendMgmt(msg *cemi.DevMgmt) error {
	data, err := msg.ToBytes()
	if err != nil {
		return err
	}
	return c.writeFrame(protocolTunnel, emiIDCEMI, data)
}

func (c *usbConn) writeFrame(protocol, id byte, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, report := range buildReports(protocol, id, body) {
		if _, err := c.dev.Write(report); err != nil {
			return fmt.Errorf("write HID report: %w", err)
		}
	}
	return nil
}

func (c *usbConn) receive(buf []byte) bool {
	n, err := c.dev.Read(buf)
	if err != nil {
		if c.stopped.Load() {
			return false
		}

		c.logger.Error("receive failed", "error", err)
		c.shutdown(link.InitiatorInternal, "")
		c.closeLink(link.InitiatorInternal, fmt.Sprintf("receive failed: %v", err))
		return false
	}

	frame, err := c.asm.feed(buf[:n])
	if err != nil {
		c.logger.Debug("dropping malformed report", "error", err)
		return true
	}
	if frame == nil {
		return true
	}

	switch frame.protocol {
	case protocolTunnel:
		c.onTunnel(frame.id, frame.body)
	case protocolFeature:
		c.handleFeature(frame.id, frame.body)
	default:
		c.logger.Debug("dropping frame with unknown protocol", "protocol", frame.protocol)
	}
	return true
}

func (c *usbConn) handleFeature(service byte, body []byte) {
	switch service {
	case featureResponse:
		if len(body) == 0 {
			return
		}

		c.featMu.Lock()
		if c.featCh != nil && c.featWant == body[0] {
			select {
			case c.featCh <- append([]byte(nil), body[1:]...):
			default:
			}
			c.featCh = nil
		}
		c.featMu.Unlock()

	case featureInfo:
		if len(body) >= 2 && body[0] == featureBusStatus {
			if body[1] == 0 {
				c.logger.Warn("interface lost the bus connection")
			} else {
				c.logger.Info("interface regained the bus connection")
			}
			return
		}
		if len(body) > 0 {
			c.logger.Debug("unhandled feature info", "feature", body[0])
		}

	default:
		c.logger.Debug("dropping unexpected feature service", "service", service)
	}
}

// shutdown stops the connection. A monitor leaves busmonitor mode first,
// while the receiver still runs and can pick up the confirmation.
func (c *usbConn) shutdown(initiator link.Initiator, _ string) {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	if c.restoreMode && initiator != link.InitiatorInternal {
		if err := c.setCommMode(cemi.CommModeDataLinkLayer); err != nil {
			c.logger.Debug("leaving busmonitor mode failed", "error", err)
		}
	}

	close(c.stop)
	c.taskMgr.Stop()
	_ = c.dev.Close()
}

// abort tears the connection down when construction fails.
func (c *usbConn) abort() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.stop)
	c.taskMgr.Stop()
	_ = c.dev.Close()
}
