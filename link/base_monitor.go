package link

import (
	"sync/atomic"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/logger"
)

// BaseMonitor implements the transport independent parts of BusMonitor.
// Transport packages embed it and feed received busmonitor indications
// through Deliver or DeliverRaw.
type BaseMonitor struct {
	name   string
	logger logger.Logger
	source any

	open     atomic.Bool
	closedCh chan struct{}

	notifier  *Notifier[MonitorListener]
	closeFunc CloseFunc
}

// NewBaseMonitor creates an open base monitor and starts its event dispatch.
func NewBaseMonitor(name string, l logger.Logger) *BaseMonitor {
	if l == nil {
		l = logger.GetLogger()
	}

	m := &BaseMonitor{
		name:     name,
		logger:   l,
		closedCh: make(chan struct{}),
		notifier: NewNotifier[MonitorListener](name, l),
	}
	m.source = m
	m.open.Store(true)
	m.notifier.Start()

	return m
}

// RegisterCloseFunc registers the transport close function.
func (m *BaseMonitor) RegisterCloseFunc(fn CloseFunc) {
	m.closeFunc = fn
}

// SetEventSource sets the value reported as Source in frame and close
// events, usually the transport struct embedding this base monitor.
func (m *BaseMonitor) SetEventSource(src any) {
	m.source = src
}

// Name returns the monitor name.
func (m *BaseMonitor) Name() string { return m.name }

// Logger returns the logger of this monitor.
func (m *BaseMonitor) Logger() logger.Logger { return m.logger }

// AddListener registers a listener for monitor indications.
func (m *BaseMonitor) AddListener(l MonitorListener) {
	m.notifier.RegisterListener(l)
}

// RemoveListener removes a previously registered listener.
func (m *BaseMonitor) RemoveListener(l MonitorListener) {
	m.notifier.RemoveListener(l)
}

// IsOpen reports whether the monitor is open.
func (m *BaseMonitor) IsOpen() bool {
	return m.open.Load()
}

// Closed returns a channel that is closed when the monitor closes.
func (m *BaseMonitor) Closed() <-chan struct{} {
	return m.closedCh
}

// Deliver fans a busmonitor indication out to the listeners.
func (m *BaseMonitor) Deliver(ind *cemi.Busmon) {
	ev := FrameEvent{Source: m.source, Frame: ind}
	_ = m.notifier.Dispatch(func(l MonitorListener) { l.Indication(ev) })
}

// DeliverRaw decodes data as a cEMI busmonitor indication and delivers it.
// Malformed messages are logged and dropped, they never close the monitor.
func (m *BaseMonitor) DeliverRaw(data []byte) {
	msg, err := cemi.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", "monitor", m.name, "len", len(data), "error", err)
		return
	}

	ind, ok := msg.(*cemi.Busmon)
	if !ok {
		m.logger.Debug("dropping unexpected message", "monitor", m.name, "code", msg.Code())
		return
	}
	m.Deliver(ind)
}

// Close closes the monitor on behalf of the user.
func (m *BaseMonitor) Close() {
	m.CloseWith(InitiatorUser, "user request")
}

// CloseWith closes the monitor, recording who initiated the close and why.
// The first call wins, later calls are no-ops.
func (m *BaseMonitor) CloseWith(initiator Initiator, reason string) {
	if !m.open.CompareAndSwap(true, false) {
		return
	}
	close(m.closedCh)

	m.logger.Info("closing monitor", "monitor", m.name, "initiator", initiator, "reason", reason)

	if m.closeFunc != nil {
		m.closeFunc(initiator, reason)
	}

	ev := CloseEvent{Source: m.source, Initiator: initiator, Reason: reason}
	m.notifier.Close(func(l MonitorListener) { l.LinkClosed(ev) })
}
