package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/link"
)

// ErrNilFactory indicates that a connector was created without a factory.
var ErrNilFactory = errors.New("nil factory")

// Factory creates a new, already open network link.
type Factory func() (link.NetworkLink, error)

// MonitorFactory creates a new, already open bus monitor.
type MonitorFactory func() (link.BusMonitor, error)

// Connector presents the NetworkLink interface while owning a replaceable
// underlying link created through a Factory. Depending on its policy it
// transparently replaces a link that the server or an internal error closed,
// and connects on demand when a send hits a closed link.
//
// Listeners registered on the connector observe the events of every
// underlying link in turn, including the close event of a link that is about
// to be replaced. Medium settings and hop count set through the connector
// are reapplied to each new link.
type Connector struct {
	eng *engine[link.NetworkLink]

	stateMu  sync.RWMutex
	medium   link.MediumSettings
	hopCount int16

	listeners *xsync.MapOf[link.LinkListener, struct{}]
}

var _ link.NetworkLink = (*Connector)(nil)

// New creates a connector and synchronously connects the first underlying
// link. If the initial connect fails the error is returned, unless the
// policy enables reconnect on creation error, in which case the connector is
// returned disconnected and retries in the background.
func New(factory Factory, opts ...Option) (*Connector, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	cfg := newConfig(opts)

	c := &Connector{
		hopCount:  -1,
		listeners: xsync.NewMapOf[link.LinkListener, struct{}](),
	}
	c.eng = newEngine("link connector", cfg, func() (link.NetworkLink, error) { return factory() }, c.replay)

	if _, err := c.eng.awaitOrConnect(); err != nil {
		if !cfg.policy.reconnectOnCreation {
			return nil, err
		}
		cfg.logger.Warn("initial connect failed, retrying in background",
			"connector", c.eng.name, "error", err)
		c.eng.afterInitialFailure()
	}

	return c, nil
}

// replay applies the saved wrapper state onto a fresh link. The engine's
// close watch comes first so a link dying during replay is still noticed.
func (c *Connector) replay(inst link.NetworkLink) {
	inst.AddListener(&linkWatch{eng: c.eng, inst: inst})

	c.stateMu.RLock()
	medium := c.medium
	hops := c.hopCount
	c.stateMu.RUnlock()

	if medium != nil {
		if err := inst.SetMedium(medium); err != nil {
			c.eng.logger.Warn("replaying medium settings failed",
				"connector", c.eng.name, "error", err)
		}
	}
	if hops >= 0 {
		if err := inst.SetHopCount(uint8(hops)); err != nil {
			c.eng.logger.Warn("replaying hop count failed",
				"connector", c.eng.name, "error", err)
		}
	}

	c.listeners.Range(func(l link.LinkListener, _ struct{}) bool {
		inst.AddListener(l)
		return true
	})
}

// Name returns the name of the current underlying link.
func (c *Connector) Name() string {
	if inst, ok := c.eng.instance(); ok {
		return inst.Name()
	}
	return "connector (not connected)"
}

// SetMedium records the settings for replay onto future links and applies
// them to the current one.
func (c *Connector) SetMedium(settings link.MediumSettings) error {
	if settings == nil {
		return link.ErrNilSettings
	}

	inst, hasInst := c.eng.instance()

	c.stateMu.Lock()
	effective := c.medium
	if effective == nil && hasInst {
		effective = inst.Medium()
	}
	if effective != nil && effective.MediumType() != settings.MediumType() {
		c.stateMu.Unlock()
		return fmt.Errorf("%w: cannot replace %s with %s",
			link.ErrIncompatibleMedium, effective.MediumType(), settings.MediumType())
	}
	c.medium = settings
	c.stateMu.Unlock()

	if hasInst {
		return inst.SetMedium(settings)
	}
	return nil
}

// Medium returns the settings set through the connector, falling back to the
// current underlying link's settings.
func (c *Connector) Medium() link.MediumSettings {
	c.stateMu.RLock()
	m := c.medium
	c.stateMu.RUnlock()
	if m != nil {
		return m
	}
	if inst, ok := c.eng.instance(); ok {
		return inst.Medium()
	}
	return nil
}

// SetHopCount records the routing count for replay onto future links and
// applies it to the current one.
func (c *Connector) SetHopCount(hops uint8) error {
	if hops > 7 {
		return cemi.ErrInvalidHopCount
	}

	c.stateMu.Lock()
	c.hopCount = int16(hops)
	c.stateMu.Unlock()

	if inst, ok := c.eng.instance(); ok {
		return inst.SetHopCount(hops)
	}
	return nil
}

// HopCount returns the routing count set through the connector, falling back
// to the current underlying link's value.
func (c *Connector) HopCount() uint8 {
	c.stateMu.RLock()
	hops := c.hopCount
	c.stateMu.RUnlock()
	if hops >= 0 {
		return uint8(hops)
	}
	if inst, ok := c.eng.instance(); ok {
		return inst.HopCount()
	}
	return link.DefaultHopCount
}

// AddListener registers l on the connector and on every underlying link
// created from now on, as well as on the current one.
func (c *Connector) AddListener(l link.LinkListener) {
	c.listeners.Store(l, struct{}{})
	if inst, ok := c.eng.instance(); ok {
		inst.AddListener(l)
	}
}

// RemoveListener removes l from the connector and the current link.
func (c *Connector) RemoveListener(l link.LinkListener) {
	c.listeners.Delete(l)
	if inst, ok := c.eng.instance(); ok {
		inst.RemoveListener(l)
	}
}

// SendRequest sends an L_Data.req through the current link, connecting first
// per policy.
func (c *Connector) SendRequest(dst cemi.Addr, prio cemi.Priority, tpdu []byte) error {
	inst, err := c.eng.resolve()
	if err != nil {
		return err
	}
	return inst.SendRequest(dst, prio, tpdu)
}

// SendRequestWait sends an L_Data.req and waits for the confirmation,
// connecting first per policy.
func (c *Connector) SendRequestWait(ctx context.Context, dst cemi.Addr, prio cemi.Priority, tpdu []byte) error {
	inst, err := c.eng.resolve()
	if err != nil {
		return err
	}
	return inst.SendRequestWait(ctx, dst, prio, tpdu)
}

// SendFrame sends a prepared frame through the current link, connecting
// first per policy.
func (c *Connector) SendFrame(ctx context.Context, frame *cemi.LData, waitForCon bool) error {
	inst, err := c.eng.resolve()
	if err != nil {
		return err
	}
	return inst.SendFrame(ctx, frame, waitForCon)
}

// IsOpen reports whether the connector holds an open link. It returns false
// while disconnected between reconnect attempts.
func (c *Connector) IsOpen() bool {
	return c.eng.isOpen()
}

// Close closes the connector and the current underlying link. It cancels
// any pending reconnect and is terminal, no reconnect runs afterwards.
func (c *Connector) Close() {
	c.eng.close()
}

// linkWatch is the connector's own listener on each underlying link,
// feeding close events back into the reconnect engine.
type linkWatch struct {
	eng  *engine[link.NetworkLink]
	inst link.NetworkLink
}

func (w *linkWatch) Indication(link.FrameEvent) {}

func (w *linkWatch) Confirmation(link.FrameEvent) {}

func (w *linkWatch) LinkClosed(ev link.CloseEvent) {
	w.eng.noteClosed(w.inst, ev.Initiator, ev.Reason)
}
