package connector

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/knxlib/go-knx/link"
)

// MonitorConnector presents the BusMonitor interface while owning a
// replaceable underlying monitor created through a MonitorFactory. Monitors
// cannot send, so reconnection is purely close triggered; the connect on
// send policy setting has no effect.
type MonitorConnector struct {
	eng       *engine[link.BusMonitor]
	listeners *xsync.MapOf[link.MonitorListener, struct{}]
}

var _ link.BusMonitor = (*MonitorConnector)(nil)

// NewMonitor creates a monitor connector and synchronously connects the
// first underlying monitor. Creation errors follow the same policy as New.
func NewMonitor(factory MonitorFactory, opts ...Option) (*MonitorConnector, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	cfg := newConfig(opts)

	m := &MonitorConnector{
		listeners: xsync.NewMapOf[link.MonitorListener, struct{}](),
	}
	m.eng = newEngine("monitor connector", cfg, func() (link.BusMonitor, error) { return factory() }, m.replay)

	if _, err := m.eng.awaitOrConnect(); err != nil {
		if !cfg.policy.reconnectOnCreation {
			return nil, err
		}
		cfg.logger.Warn("initial connect failed, retrying in background",
			"connector", m.eng.name, "error", err)
		m.eng.afterInitialFailure()
	}

	return m, nil
}

func (m *MonitorConnector) replay(inst link.BusMonitor) {
	inst.AddListener(&monitorWatch{eng: m.eng, inst: inst})

	m.listeners.Range(func(l link.MonitorListener, _ struct{}) bool {
		inst.AddListener(l)
		return true
	})
}

// Name returns the name of the current underlying monitor.
func (m *MonitorConnector) Name() string {
	if inst, ok := m.eng.instance(); ok {
		return inst.Name()
	}
	return "monitor connector (not connected)"
}

// AddListener registers l on the connector and on every underlying monitor
// created from now on, as well as on the current one.
func (m *MonitorConnector) AddListener(l link.MonitorListener) {
	m.listeners.Store(l, struct{}{})
	if inst, ok := m.eng.instance(); ok {
		inst.AddListener(l)
	}
}

// RemoveListener removes l from the connector and the current monitor.
func (m *MonitorConnector) RemoveListener(l link.MonitorListener) {
	m.listeners.Delete(l)
	if inst, ok := m.eng.instance(); ok {
		inst.RemoveListener(l)
	}
}

// IsOpen reports whether the connector holds an open monitor.
func (m *MonitorConnector) IsOpen() bool {
	return m.eng.isOpen()
}

// Close closes the connector and the current underlying monitor. It is
// terminal, no reconnect runs afterwards.
func (m *MonitorConnector) Close() {
	m.eng.close()
}

type monitorWatch struct {
	eng  *engine[link.BusMonitor]
	inst link.BusMonitor
}

func (w *monitorWatch) Indication(link.FrameEvent) {}

func (w *monitorWatch) LinkClosed(ev link.CloseEvent) {
	w.eng.noteClosed(w.inst, ev.Initiator, ev.Reason)
}
