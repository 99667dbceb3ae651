package ft12

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/pool"
	"github.com/knxlib/go-knx/internal/task"
	"github.com/knxlib/go-knx/link"
	"github.com/knxlib/go-knx/logger"
)

// PEI_Switch.req EMI2 messages selecting the BCU application interface mode.
var (
	peiSwitchLink   = []byte{0xA9, 0x1E, 0x12, 0x34, 0x56, 0x78, 0x0A}
	peiSwitchBusmon = []byte{0xA9, 0x90, 0x18, 0x34, 0x56, 0x78, 0x0A}
	peiSwitchNormal = []byte{0xA9, 0x1E, 0x12, 0x34, 0x56, 0x78, 0x9A}
)

// Link is a KNX data link layer connection through a BCU coupler speaking
// FT1.2 on a serial port. It implements link.NetworkLink.
//
// FT1.2 couplers speak EMI2, so frames travel without additional info and
// extended frames are not available.
type Link struct {
	*link.BaseLink
	conn *ftConn
}

// NewLink opens the serial device and switches the BCU into link layer mode.
// settings describe the KNX medium the BCU attaches to; nil defaults to
// twisted pair.
func NewLink(device string, settings link.MediumSettings, opts ...Option) (*Link, error) {
	cfg := newConfig(opts)

	port, err := openPort(device, cfg)
	if err != nil {
		return nil, err
	}
	return newLink(device, port, settings, cfg)
}

func newLink(device string, port io.ReadWriteCloser, settings link.MediumSettings, cfg *config) (*Link, error) {
	if settings == nil {
		settings = &link.TPSettings{}
	}

	base, err := link.NewBaseLink("ft12 "+device, settings, cfg.logger)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	conn := newFTConn(port, cfg)
	conn.closeLink = base.CloseWith
	conn.deliver = func(payload []byte) {
		if len(payload) == 0 {
			return
		}
		switch payload[0] {
		case cemi.EMILDataInd, cemi.EMILDataCon:
			base.DeliverEMI(payload)
		default:
			cfg.logger.Debug("ignoring EMI message", "code", fmt.Sprintf("0x%02X", payload[0]))
		}
	}

	l := &Link{BaseLink: base, conn: conn}
	base.SetEventSource(l)
	base.RegisterSendRawFunc(conn.sendData)
	base.RegisterCloseFunc(conn.shutdown)

	if err := conn.start(peiSwitchLink); err != nil {
		conn.abort()
		return nil, err
	}

	return l, nil
}

// Monitor is a passive bus monitor through an FT1.2 BCU. It implements
// link.BusMonitor.
type Monitor struct {
	*link.BaseMonitor
	conn *ftConn
}

// NewMonitor opens the serial device and switches the BCU into busmonitor
// mode.
func NewMonitor(device string, opts ...Option) (*Monitor, error) {
	cfg := newConfig(opts)

	port, err := openPort(device, cfg)
	if err != nil {
		return nil, err
	}
	return newMonitor(device, port, cfg)
}

func newMonitor(device string, port io.ReadWriteCloser, cfg *config) (*Monitor, error) {
	mon := link.NewBaseMonitor("ft12 busmonitor "+device, cfg.logger)

	conn := newFTConn(port, cfg)
	conn.closeLink = mon.CloseWith
	conn.deliver = func(payload []byte) {
		ind, err := cemi.BusmonFromEMI(payload)
		if err != nil {
			cfg.logger.Debug("dropping malformed monitor frame", "error", err)
			return
		}
		mon.Deliver(ind)
	}

	m := &Monitor{BaseMonitor: mon, conn: conn}
	mon.SetEventSource(m)
	mon.RegisterCloseFunc(conn.shutdown)

	if err := conn.start(peiSwitchBusmon); err != nil {
		conn.abort()
		return nil, err
	}

	return m, nil
}

func openPort(device string, cfg *config) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial device %s: %w", device, err)
	}
	return port, nil
}

const recvBufSize = 256

// ftConn runs the FT1.2 exchange protocol on a serial port: one outstanding
// frame at a time, acknowledged with a single 0xE5 character, frame count
// bit alternation on both directions.
type ftConn struct {
	logger logger.Logger
	cfg    *config
	port   io.ReadWriteCloser

	taskMgr *task.TaskManager
	parser  frameParser

	ackCh chan struct{}

	exchMu  sync.Mutex // one frame exchange at a time
	sendFCB bool

	// receive loop state
	haveRemote bool
	remoteFCB  bool

	deliver   func(payload []byte)
	closeLink func(initiator link.Initiator, reason string)

	stopped atomic.Bool
	stop    chan struct{}
}

func newFTConn(port io.ReadWriteCloser, cfg *config) *ftConn {
	return &ftConn{
		logger:  cfg.logger,
		cfg:     cfg,
		port:    port,
		taskMgr: task.NewTaskManager(context.Background(), cfg.logger),
		ackCh:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// start brings up the receive loop, resets the BCU link and switches the
// application interface with the given PEI_Switch message.
func (c *ftConn) start(peiSwitch []byte) error {
	if err := c.taskMgr.StartReceiver("ft12Receiver", recvBufSize, c.receive, nil); err != nil {
		return err
	}

	if err := c.sendReset(); err != nil {
		return fmt.Errorf("reset BCU link: %w", err)
	}
	if err := c.sendData(peiSwitch); err != nil {
		return fmt.Errorf("switch BCU mode: %w", err)
	}

	return nil
}

// sendReset resets the remote link layer and restarts the frame count bit
// alternation.
func (c *ftConn) sendReset() error {
	c.exchMu.Lock()
	defer c.exchMu.Unlock()

	c.sendFCB = false
	return c.transmitLocked(buildFixed(ctrlReset))
}

// sendData transmits an EMI2 message as a variable length frame and waits
// for the acknowledgement.
func (c *ftConn) sendData(payload []byte) error {
	c.exchMu.Lock()
	defer c.exchMu.Unlock()

	c.sendFCB = !c.sendFCB
	ctrl := ctrlUserData
	if c.sendFCB {
		ctrl |= ctrlFCB
	}

	return c.transmitLocked(buildVariable(ctrl, payload))
}

func (c *ftConn) transmitLocked(frame []byte) error {
	// discard a stale acknowledgement from a timed out exchange
	select {
	case <-c.ackCh:
	default:
	}

	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if _, err := c.port.Write(frame); err != nil {
			return fmt.Errorf("write to BCU: %w", err)
		}

		timer := pool.GetTimer(c.cfg.exchangeTimeout)
		select {
		case <-c.ackCh:
			pool.PutTimer(timer)
			return nil
		case <-timer.C:
			pool.PutTimer(timer)
			c.logger.Debug("no acknowledgement from BCU", "attempt", attempt)
		case <-c.stop:
			pool.PutTimer(timer)
			return link.ErrClosed
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrNoAck, sendAttempts)
}

func (c *ftConn) receive(buf []byte) bool {
	n, err := c.port.Read(buf)
	if err != nil {
		if c.stopped.Load() {
			return false
		}

		c.logger.Error("receive failed", "error", err)
		c.shutdown(link.InitiatorInternal, "")
		c.closeLink(link.InitiatorInternal, fmt.Sprintf("receive failed: %v", err))
		return false
	}

	for _, fr := range c.parser.feed(buf[:n]) {
		c.handleFrame(fr)
	}
	return true
}

func (c *ftConn) handleFrame(fr rxFrame) {
	switch fr.kind {
	case rxAck:
		select {
		case c.ackCh <- struct{}{}:
		default:
		}

	case rxFixed:
		c.logger.Debug("fixed frame from BCU", "control", fmt.Sprintf("0x%02X", fr.ctrl))
		c.writeAck()
		c.haveRemote = false

	case rxVariable:
		c.writeAck()

		if fr.ctrl&ctrlFCV != 0 {
			fcb := fr.ctrl&ctrlFCB != 0
			if c.haveRemote && fcb == c.remoteFCB {
				c.logger.Debug("dropping repeated frame")
				return
			}
			c.haveRemote, c.remoteFCB = true, fcb
		}

		c.deliver(fr.payload)
	}
}

func (c *ftConn) writeAck() {
	if _, err := c.port.Write([]byte{charAck}); err != nil {
		c.logger.Debug("acknowledge failed", "error", err)
	}
}

// shutdown switches the BCU back to its normal application interface and
// releases the port. It is registered as the close hook of the owning link
// and must not wait for the receive loop.
func (c *ftConn) shutdown(initiator link.Initiator, _ string) {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	if initiator != link.InitiatorInternal {
		if err := c.sendData(peiSwitchNormal); err != nil {
			c.logger.Debug("switch back to normal mode failed", "error", err)
		}
	}

	close(c.stop)
	c.taskMgr.Stop()
	_ = c.port.Close()
}

// abort cleans up a connection that never became usable.
func (c *ftConn) abort() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	close(c.stop)
	c.taskMgr.Stop()
	_ = c.port.Close()
}
