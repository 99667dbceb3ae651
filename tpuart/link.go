package tpuart

import (
	"bytes"
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

// Link is a KNX data link layer connection through a TP-UART transceiver on
// a serial port. It implements link.NetworkLink.
//
// The transceiver handles the bus access layer itself: collision avoidance,
// frame repetition and the layer 2 acknowledgements it is told to send.
// Frames addressed to the configured device address are acknowledged on the
// bus.
type Link struct {
	*link.BaseLink
	conn *uartConn
}

// NewLink opens the serial device and resets the transceiver. settings
// describe the twisted pair side; nil falls back to twisted pair defaults.
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

	base, err := link.NewBaseLink("tpuart "+device, settings, cfg.logger)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	conn := newUARTConn(port, cfg)
	conn.closeLink = base.CloseWith
	conn.onFrame = func(frame []byte) {
		ind, err := parseFrame(frame)
		if err != nil {
			cfg.logger.Debug("dropping unparseable frame", "error", err)
			return
		}
		base.Deliver(ind)
	}
	conn.onCon = base.Deliver
	conn.dec.onHeader = func(group bool, dst uint16) {
		if group || dst == 0 {
			return
		}
		if dst == base.Medium().DeviceAddr().Raw() {
			conn.writeAckInfo(ackFlagAddressed)
		}
	}

	l := &Link{BaseLink: base, conn: conn}
	base.SetEventSource(l)
	base.RegisterSendFrameFunc(conn.sendFrame)
	base.RegisterCloseFunc(conn.shutdown)

	if err := conn.start(); err != nil {
		conn.abort()
		return nil, err
	}
	if err := conn.startProbe(); err != nil {
		conn.abort()
		return nil, err
	}

	return l, nil
}

// Monitor is a passive busmonitor on a TP-UART transceiver. It implements
// link.BusMonitor.
//
// The transceiver acknowledges nothing in this mode. Leaving busmonitor
// mode requires a transceiver reset, which close performs.
type Monitor struct {
	*link.BaseMonitor
	conn *uartConn
}

// NewMonitor opens the serial device and switches the transceiver into
// busmonitor mode.
func NewMonitor(device string, opts ...Option) (*Monitor, error) {
	cfg := newConfig(opts)

	port, err := openPort(device, cfg)
	if err != nil {
		return nil, err
	}
	return newMonitor(device, port, cfg)
}

func newMonitor(device string, port io.ReadWriteCloser, cfg *config) (*Monitor, error) {
	mon := link.NewBaseMonitor("tpuart busmonitor "+device, cfg.logger)

	conn := newUARTConn(port, cfg)
	conn.closeLink = mon.CloseWith
	conn.resetOnClose = true
	conn.onFrame = func(frame []byte) {
		mon.Deliver(cemi.NewBusmon(0, 0, frame))
	}

	m := &Monitor{BaseMonitor: mon, conn: conn}
	mon.SetEventSource(m)
	mon.RegisterCloseFunc(conn.shutdown)

	if err := conn.start(); err != nil {
		conn.abort()
		return nil, err
	}
	if err := conn.activateBusmon(); err != nil {
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

// uartConn drives the TP-UART host protocol: the reset exchange on open,
// frame transmission with echo and confirmation tracking, periodic state
// probes.
type uartConn struct {
	logger logger.Logger
	cfg    *config
	port   io.ReadWriteCloser

	taskMgr *task.TaskManager
	dec     decoder

	resetCh chan struct{}
	stateCh chan byte
	conCh   chan bool

	exchMu sync.Mutex // one request to the chip at a time

	pendMu    sync.Mutex
	pendFrame []byte // awaiting its bus echo and confirmation
	pendLData *cemi.LData

	misses int // unanswered state probes, probe task only

	onFrame      func(frame []byte)
	onCon        func(con cemi.Message)
	closeLink    func(initiator link.Initiator, reason string)
	resetOnClose bool

	stopped atomic.Bool
	stop    chan struct{}
}

func newUARTConn(port io.ReadWriteCloser, cfg *config) *uartConn {
	return &uartConn{
		logger:  cfg.logger,
		cfg:     cfg,
		port:    port,
		taskMgr: task.NewTaskManager(context.Background(), cfg.logger),
		resetCh: make(chan struct{}, 1),
		stateCh: make(chan byte, 1),
		conCh:   make(chan bool, 1),
		stop:    make(chan struct{}),
	}
}

// start brings up the receive loop and resets the transceiver.
func (c *uartConn) start() error {
	if err := c.taskMgr.StartReceiver("tpuartReceiver", recvBufSize, c.receive, nil); err != nil {
		return err
	}

	if err := c.reset(); err != nil {
		return fmt.Errorf("reset transceiver: %w", err)
	}
	return nil
}

func (c *uartConn) startProbe() error {
	_, err := c.taskMgr.StartInterval("tpuartStateProbe", c.probe, c.cfg.probeInterval, false)
	return err
}

// reset restarts the transceiver and waits for its reset indication.
func (c *uartConn) reset() error {
	c.exchMu.Lock()
	defer c.exchMu.Unlock()

	for attempt := 1; attempt <= resetAttempts; attempt++ {
		select {
		case <-c.resetCh:
		default:
		}

		if _, err := c.port.Write([]byte{uResetReq}); err != nil {
			return fmt.Errorf("write to transceiver: %w", err)
		}

		timer := pool.GetTimer(c.cfg.exchangeTimeout)
		select {
		case <-c.resetCh:
			pool.PutTimer(timer)
			return nil
		case <-timer.C:
			pool.PutTimer(timer)
			c.logger.Debug("no reset indication", "attempt", attempt)
		case <-c.stop:
			pool.PutTimer(timer)
			return link.ErrClosed
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrNoReset, resetAttempts)
}

// activateBusmon switches the transceiver into busmonitor mode. The chip
// does not confirm the switch.
func (c *uartConn) activateBusmon() error {
	c.exchMu.Lock()
	defer c.exchMu.Unlock()

	if _, err := c.port.Write([]byte{uActivateBusmon}); err != nil {
		return fmt.Errorf("write to transceiver: %w", err)
	}
	return nil
}

// sendFrame transmits an L_Data request and waits for the transceiver's
// transmission confirmation. A negative confirmation is not an error here;
// it reaches the caller as an L_Data.con with the error flag set.
func (c *uartConn) sendFrame(f *cemi.LData) error {
	frame, err := buildFrame(f)
	if err != nil {
		return err
	}

	c.exchMu.Lock()
	defer c.exchMu.Unlock()

	c.setPending(frame, f)
	defer c.clearPending()

	select {
	case <-c.conCh:
	default:
	}

	if _, err := c.port.Write(packetize(frame)); err != nil {
		return fmt.Errorf("write to transceiver: %w", err)
	}

	timer := pool.GetTimer(c.cfg.exchangeTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-c.conCh:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w within %s", ErrNoConfirmation, c.cfg.exchangeTimeout)
	case <-c.stop:
		return link.ErrClosed
	}
}

func (c *uartConn) setPending(frame []byte, f *cemi.LData) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	c.pendFrame = frame
	c.pendLData = f
}

func (c *uartConn) clearPending() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	c.pendFrame = nil
	c.pendLData = nil
}

// takePendingCon turns the pending transmission into its L_Data.con, or
// returns nil when no transmission is outstanding.
func (c *uartConn) takePendingCon(ok bool) *cemi.LData {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	if c.pendLData == nil {
		return nil
	}
	con := *c.pendLData
	con.MsgCode = cemi.LDataCon
	con.ConfirmError = !ok
	c.pendFrame, c.pendLData = nil, nil
	return &con
}

// isEcho reports whether frame is the bus echo of the frame currently being
// transmitted. Echoes of repetitions differ in the repeat flag and
// therefore also in the checksum.
func (c *uartConn) isEcho(frame []byte) bool {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	p := c.pendFrame
	if p == nil || len(frame) != len(p) {
		return false
	}
	if frame[0]|ctrlNotRepeated != p[0]|ctrlNotRepeated {
		return false
	}
	return bytes.Equal(frame[1:len(frame)-1], p[1:len(p)-1])
}

// probe checks transceiver liveness with a U_State request. Consecutive
// unanswered probes close the link.
func (c *uartConn) probe() bool {
	if c.stopped.Load() {
		return false
	}

	c.exchMu.Lock()

	select {
	case <-c.stateCh:
	default:
	}

	if _, err := c.port.Write([]byte{uStateReq}); err != nil {
		c.exchMu.Unlock()
		if c.stopped.Load() {
			return false
		}
		c.logger.Error("state request failed", "error", err)
		c.shutdown(link.InitiatorInternal, "")
		c.closeLink(link.InitiatorInternal, fmt.Sprintf("state request failed: %v", err))
		return false
	}

	timer := pool.GetTimer(c.cfg.exchangeTimeout)
	defer pool.PutTimer(timer)

	select {
	case state := <-c.stateCh:
		c.exchMu.Unlock()
		c.misses = 0
		if state != stateIndBits {
			c.logger.Warn("transceiver reports errors", "state", fmt.Sprintf("0x%02X", state))
		}
		return true
	case <-timer.C:
		c.exchMu.Unlock()
		c.misses++
		if c.misses < maxProbeMisses {
			c.logger.Debug("state request unanswered", "misses", c.misses)
			return true
		}
		c.logger.Error("transceiver stopped answering state requests")
		c.shutdown(link.InitiatorInternal, "")
		c.closeLink(link.InitiatorInternal, "transceiver stopped answering state requests")
		return false
	case <-c.stop:
		c.exchMu.Unlock()
		return false
	}
}

func (c *uartConn) receive(buf []byte) bool {
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

	for _, ev := range c.dec.feed(buf[:n]) {
		c.handleEvent(ev)
	}
	return true
}

func (c *uartConn) handleEvent(ev rxEvent) {
	switch ev.kind {
	case rxReset:
		c.logger.Debug("reset indication")
		select {
		case c.resetCh <- struct{}{}:
		default:
		}

	case rxState:
		select {
		case c.stateCh <- ev.state:
		default:
		}

	case rxCon:
		con := c.takePendingCon(ev.ok)
		if con == nil {
			c.logger.Debug("confirmation without transmission")
			return
		}
		if c.onCon != nil {
			c.onCon(con)
		}
		select {
		case c.conCh <- ev.ok:
		default:
		}

	case rxFrame:
		if c.isEcho(ev.frame) {
			c.logger.Debug("transmission echo")
			return
		}
		c.onFrame(ev.frame)
	}
}

// writeAckInfo runs on the receive goroutine while a frame is still
// arriving, so the chip learns the acknowledgement before the frame ends.
func (c *uartConn) writeAckInfo(flags byte) {
	if _, err := c.port.Write([]byte{uAckInfo | flags}); err != nil {
		c.logger.Debug("ack info write failed", "error", err)
	}
}

func (c *uartConn) shutdown(initiator link.Initiator, _ string) {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}

	if c.resetOnClose && initiator != link.InitiatorInternal {
		// a reset is the only way out of busmonitor mode
		if _, err := c.port.Write([]byte{uResetReq}); err != nil {
			c.logger.Debug("transceiver reset on close failed", "error", err)
		}
	}

	close(c.stop)
	c.taskMgr.Stop()
	_ = c.port.Close()
}

// abort tears the connection down when construction fails.
func (c *uartConn) abort() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.stop)
	c.taskMgr.Stop()
	_ = c.port.Close()
}
