package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/pool"
	"github.com/knxlib/go-knx/logger"
)

// DefaultConfirmTimeout is the default time a confirmed send waits for the
// L_Data.con from the bus access server.
const DefaultConfirmTimeout = 3 * time.Second

// DefaultHopCount is the routing count applied to frames built by
// SendRequest and SendRequestWait.
const DefaultHopCount = 6

// SendFrameFunc hands an L-Data frame to a cEMI capable transport.
type SendFrameFunc func(frame *cemi.LData) error

// SendRawFunc hands an EMI1/EMI2 encoded frame to a raw transport.
type SendRawFunc func(emi []byte) error

// SendMgmtFunc hands a device management message to the transport.
type SendMgmtFunc func(msg *cemi.DevMgmt) error

// CloseFunc releases the transport resources when the link closes.
//
// It runs on the goroutine that triggered the close, which can be the
// transport's own receive loop. It must not wait for that loop to exit.
type CloseFunc func(initiator Initiator, reason string)

// BaseLink implements the transport independent parts of NetworkLink.
// Transport packages embed it and register their send and close functions,
// then feed received messages through Deliver or DeliverRaw.
type BaseLink struct {
	name   string
	logger logger.Logger
	source any

	mediumMu sync.RWMutex
	medium   MediumSettings

	hopCount atomic.Uint32
	rfLFN    atomic.Uint32

	open     atomic.Bool
	closedCh chan struct{}

	notifier *Notifier[LinkListener]
	props    *PropClient

	sendFrameFunc SendFrameFunc
	sendRawFunc   SendRawFunc
	closeFunc     CloseFunc

	sendMu         sync.Mutex
	confirmTimeout time.Duration

	pendingMu  sync.Mutex
	pending    chan *cemi.LData
	pendingDst uint16
}

// NewBaseLink creates an open base link for the given medium settings and
// starts its event dispatch. The link reports l as event source until a
// transport claims it with SetEventSource.
func NewBaseLink(name string, settings MediumSettings, l logger.Logger) (*BaseLink, error) {
	if settings == nil {
		return nil, ErrNilSettings
	}

	if l == nil {
		l = logger.GetLogger()
	}

	b := &BaseLink{
		name:           name,
		logger:         l,
		medium:         settings,
		closedCh:       make(chan struct{}),
		notifier:       NewNotifier[LinkListener](name, l),
		confirmTimeout: DefaultConfirmTimeout,
	}
	b.source = b
	b.hopCount.Store(DefaultHopCount)
	b.open.Store(true)
	b.notifier.Start()

	return b, nil
}

// RegisterSendFrameFunc registers the send function of a cEMI transport.
// It takes precedence over a registered raw send function.
func (b *BaseLink) RegisterSendFrameFunc(fn SendFrameFunc) {
	b.sendFrameFunc = fn
}

// RegisterSendRawFunc registers the send function of an EMI1/EMI2 transport.
// Frames are converted with cemi.LData.ToEMI before sending.
func (b *BaseLink) RegisterSendRawFunc(fn SendRawFunc) {
	b.sendRawFunc = fn
}

// RegisterCloseFunc registers the transport close function.
func (b *BaseLink) RegisterCloseFunc(fn CloseFunc) {
	b.closeFunc = fn
}

// RegisterSendMgmtFunc registers the transport's device management send
// function and enables Properties.
func (b *BaseLink) RegisterSendMgmtFunc(fn SendMgmtFunc) {
	b.props = NewPropClient(b.name, fn, b.logger)
}

// SetEventSource sets the value reported as Source in frame and close
// events, usually the transport struct embedding this base link.
func (b *BaseLink) SetEventSource(src any) {
	b.source = src
}

// SetConfirmTimeout adjusts the confirmation timeout for blocking sends.
// Values <= 0 are ignored.
func (b *BaseLink) SetConfirmTimeout(d time.Duration) {
	if d > 0 {
		b.confirmTimeout = d
	}
}

// Name returns the link name.
func (b *BaseLink) Name() string { return b.name }

// Logger returns the logger of this link.
func (b *BaseLink) Logger() logger.Logger { return b.logger }

// Properties returns the device management client of the bus access server,
// or nil if the transport does not support device management.
func (b *BaseLink) Properties() *PropClient { return b.props }

// SetMedium replaces the medium settings with settings of the same medium
// type.
func (b *BaseLink) SetMedium(settings MediumSettings) error {
	if settings == nil {
		return ErrNilSettings
	}

	b.mediumMu.Lock()
	defer b.mediumMu.Unlock()

	if settings.MediumType() != b.medium.MediumType() {
		return fmt.Errorf("%w: cannot replace %s with %s",
			ErrIncompatibleMedium, b.medium.MediumType(), settings.MediumType())
	}
	b.medium = settings

	return nil
}

// Medium returns the current medium settings.
func (b *BaseLink) Medium() MediumSettings {
	b.mediumMu.RLock()
	defer b.mediumMu.RUnlock()
	return b.medium
}

// SetHopCount sets the routing count for built frames.
func (b *BaseLink) SetHopCount(hops uint8) error {
	if hops > 7 {
		return cemi.ErrInvalidHopCount
	}
	b.hopCount.Store(uint32(hops))
	return nil
}

// HopCount returns the configured routing count.
func (b *BaseLink) HopCount() uint8 {
	return uint8(b.hopCount.Load())
}

// AddListener registers a listener for frame and close events.
func (b *BaseLink) AddListener(l LinkListener) {
	b.notifier.RegisterListener(l)
}

// RemoveListener removes a previously registered listener.
func (b *BaseLink) RemoveListener(l LinkListener) {
	b.notifier.RemoveListener(l)
}

// IsOpen reports whether the link is open.
func (b *BaseLink) IsOpen() bool {
	return b.open.Load()
}

// Closed returns a channel that is closed when the link closes.
func (b *BaseLink) Closed() <-chan struct{} {
	return b.closedCh
}

// SendRequest builds and sends an L_Data.req without waiting for the
// confirmation.
func (b *BaseLink) SendRequest(dst cemi.Addr, prio cemi.Priority, tpdu []byte) error {
	return b.send(context.Background(), b.buildFrame(dst, prio, tpdu), false)
}

// SendRequestWait builds and sends an L_Data.req and blocks until the bus
// access server confirms the transmission.
func (b *BaseLink) SendRequestWait(ctx context.Context, dst cemi.Addr, prio cemi.Priority, tpdu []byte) error {
	return b.send(ctx, b.buildFrame(dst, prio, tpdu), true)
}

// SendFrame sends a prepared L-Data frame.
func (b *BaseLink) SendFrame(ctx context.Context, frame *cemi.LData, waitForCon bool) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", cemi.ErrFormat)
	}
	return b.send(ctx, frame, waitForCon)
}

func (b *BaseLink) buildFrame(dst cemi.Addr, prio cemi.Priority, tpdu []byte) *cemi.LData {
	return &cemi.LData{
		MsgCode:  cemi.LDataReq,
		Priority: prio,
		Dst:      dst,
		HopCount: b.HopCount(),
		TPDU:     tpdu,
	}
}

func (b *BaseLink) send(ctx context.Context, frame *cemi.LData, waitForCon bool) error {
	if frame.Dst == nil {
		return ErrNilDestination
	}
	if !b.open.Load() {
		return ErrClosed
	}

	f := b.prepare(frame)
	if err := f.Validate(); err != nil {
		return err
	}

	var wire func() error

	switch {
	case b.sendFrameFunc != nil:
		wire = func() error { return b.sendFrameFunc(f) }
	case b.sendRawFunc != nil:
		emi, err := f.ToEMI()
		if err != nil {
			return err
		}
		wire = func() error { return b.sendRawFunc(emi) }
	default:
		return fmt.Errorf("link %s: no transport send function registered", b.name)
	}

	// Serialize sends so at most one confirmation is outstanding. The bus
	// access server confirms requests in order anyway.
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if !b.open.Load() {
		return ErrClosed
	}

	var replyCh chan *cemi.LData
	if waitForCon {
		replyCh = make(chan *cemi.LData, 1)
		b.armConfirm(replyCh, f.Dst.Raw())
		defer b.disarmConfirm()
	}

	if err := wire(); err != nil {
		b.logger.Error("transport send failed, closing link", "link", b.name, "error", err)
		b.CloseWith(InitiatorInternal, fmt.Sprintf("send failed: %v", err))
		return fmt.Errorf("%w: send failed: %w", ErrClosed, err)
	}

	b.logger.Debug("frame sent", "link", b.name, "frame", f)

	if !waitForCon {
		return nil
	}

	timer := pool.GetTimer(b.confirmTimeout)
	defer pool.PutTimer(timer)

	select {
	case con := <-replyCh:
		if con.ConfirmError {
			return ErrConfirmation
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no confirmation within %s", ErrTimeout, b.confirmTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closedCh:
		return ErrClosed
	}
}

// prepare returns a copy of frame with the source address substituted and
// the medium specific additional info attached. The caller's frame is left
// untouched.
func (b *BaseLink) prepare(frame *cemi.LData) *cemi.LData {
	f := *frame
	f.Info = append(cemi.AddInfoList(nil), frame.Info...)

	settings := b.Medium()
	if f.Src == 0 {
		f.Src = settings.DeviceAddr()
	}

	switch s := settings.(type) {
	case *PLSettings:
		if _, ok := f.Info.Get(cemi.AddInfoPLMedium); !ok {
			f.Info = f.Info.Set(cemi.AddInfoPLMedium, []byte{byte(s.Domain >> 8), byte(s.Domain)})
		}
	case *RFSettings:
		if _, ok := f.Info.Get(cemi.AddInfoRFMedium); !ok {
			info := make([]byte, 8)
			copy(info[1:7], s.SerialNumber[:])
			info[7] = byte(b.rfLFN.Add(1)-1) & 0x07
			f.Info = f.Info.Set(cemi.AddInfoRFMedium, info)
		}
	}

	return &f
}

func (b *BaseLink) armConfirm(ch chan *cemi.LData, dst uint16) {
	b.pendingMu.Lock()
	b.pending = ch
	b.pendingDst = dst
	b.pendingMu.Unlock()
}

func (b *BaseLink) disarmConfirm() {
	b.pendingMu.Lock()
	b.pending = nil
	b.pendingMu.Unlock()
}

func (b *BaseLink) completeConfirm(con *cemi.LData) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if b.pending == nil || con.Dst == nil || con.Dst.Raw() != b.pendingDst {
		return
	}

	select {
	case b.pending <- con:
	default:
	}
	b.pending = nil
}

// Deliver feeds a received cEMI message into the link. Indications and
// confirmations are fanned out to the listeners, device management
// confirmations complete pending property transactions.
func (b *BaseLink) Deliver(msg cemi.Message) {
	switch m := msg.(type) {
	case *cemi.LData:
		b.deliverLData(m)

	case *cemi.DevMgmt:
		if b.props != nil {
			b.props.deliver(m)
			return
		}
		b.logger.Debug("dropping device management message, no client",
			"link", b.name, "code", m.MsgCode)

	default:
		b.logger.Debug("dropping unexpected message", "link", b.name, "code", msg.Code())
	}
}

func (b *BaseLink) deliverLData(frame *cemi.LData) {
	ev := FrameEvent{Source: b.source, Frame: frame}

	switch frame.MsgCode {
	case cemi.LDataInd:
		_ = b.notifier.Dispatch(func(l LinkListener) { l.Indication(ev) })

	case cemi.LDataCon:
		b.completeConfirm(frame)
		_ = b.notifier.Dispatch(func(l LinkListener) { l.Confirmation(ev) })

	default:
		b.logger.Debug("dropping L-Data message", "link", b.name, "code", frame.MsgCode)
	}
}

// DeliverRaw decodes data as a cEMI message and delivers it. Malformed
// messages are logged and dropped, they never close the link.
func (b *BaseLink) DeliverRaw(data []byte) {
	msg, err := cemi.Decode(data)
	if err != nil {
		b.logger.Warn("dropping malformed frame", "link", b.name, "len", len(data), "error", err)
		return
	}
	b.Deliver(msg)
}

// DeliverEMI decodes data as an EMI1/EMI2 L-Data frame and delivers it.
func (b *BaseLink) DeliverEMI(data []byte) {
	frame, err := cemi.LDataFromEMI(data)
	if err != nil {
		b.logger.Warn("dropping malformed EMI frame", "link", b.name, "len", len(data), "error", err)
		return
	}
	b.deliverLData(frame)
}

// DispatchEvent runs fn for every registered listener on the dispatch
// goroutine. Transports use it for events beyond the LinkListener interface,
// e.g. routing specific notifications.
func (b *BaseLink) DispatchEvent(fn func(l LinkListener)) error {
	return b.notifier.Dispatch(fn)
}

// Close closes the link on behalf of the user.
func (b *BaseLink) Close() {
	b.CloseWith(InitiatorUser, "user request")
}

// CloseWith closes the link, recording who initiated the close and why.
// The first call wins, later calls are no-ops. Listeners receive the close
// event after all previously delivered frames.
func (b *BaseLink) CloseWith(initiator Initiator, reason string) {
	if !b.open.CompareAndSwap(true, false) {
		return
	}
	close(b.closedCh)

	b.logger.Info("closing link", "link", b.name, "initiator", initiator, "reason", reason)

	if b.props != nil {
		b.props.close()
	}
	if b.closeFunc != nil {
		b.closeFunc(initiator, reason)
	}

	ev := CloseEvent{Source: b.source, Initiator: initiator, Reason: reason}
	b.notifier.Close(func(l LinkListener) { l.LinkClosed(ev) })
}
