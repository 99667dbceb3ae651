package knxip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/task"
	"github.com/knxlib/go-knx/link"
)

// DefaultRoutingAddr is the multicast group KNXnet/IP routers listen on.
const DefaultRoutingAddr = "224.0.23.12:3671"

const routingTTL = 16

// RoutingLostEvent reports a ROUTING_LOST_MESSAGE: a router dropped frames
// from its queue.
type RoutingLostEvent struct {
	// DeviceState is the router's device state field.
	DeviceState uint8
	// Lost is the number of dropped frames.
	Lost uint16
}

// RoutingBusyEvent reports a ROUTING_BUSY: a router asked all senders on the
// group to pause transmission. The link honors the pause on its own sends.
type RoutingBusyEvent struct {
	DeviceState uint8
	// WaitTime is the requested pause.
	WaitTime time.Duration
}

// RoutingListener receives router flow control events in addition to the
// regular link events. Listeners implementing plain link.LinkListener simply
// miss the routing specific callbacks.
type RoutingListener interface {
	link.LinkListener

	// RoutingLost is called when a router reports dropped frames.
	RoutingLost(ev *RoutingLostEvent)
	// RoutingBusy is called when a router asks senders to pause.
	RoutingBusy(ev *RoutingBusyEvent)
}

// Routing is a KNXnet/IP routing link on a multicast group. It implements
// link.NetworkLink.
//
// Routing has no acknowledgements and no confirmations on the wire; a
// positive L_Data.con is generated locally after a successful multicast
// send.
type Routing struct {
	*link.BaseLink

	sock    *ipv4.PacketConn
	raw     *net.UDPConn
	group   *net.UDPAddr
	taskMgr *task.TaskManager

	write func(data []byte) error

	busyMu    sync.Mutex
	busyUntil time.Time

	stopped atomic.Bool
}

// NewRouting joins the routing multicast group on the given interface, nil
// selecting the system default. addr is the group address, "" selecting
// DefaultRoutingAddr. settings describe the KNX installation; nil defaults
// to an IP backbone.
func NewRouting(ifi *net.Interface, addr string, settings link.MediumSettings, opts ...Option) (*Routing, error) {
	cfg := newConfig(opts)
	if settings == nil {
		settings = &link.IPSettings{}
	}
	if addr == "" {
		addr = DefaultRoutingAddr
	}

	group, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}

	base, err := link.NewBaseLink("routing "+group.String(), settings, cfg.logger)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group: %w", err)
	}

	sock := ipv4.NewPacketConn(conn)
	_ = sock.SetMulticastLoopback(false)
	_ = sock.SetMulticastTTL(routingTTL)
	if ifi != nil {
		_ = sock.SetMulticastInterface(ifi)
	}

	r := newRouting(base, func(data []byte) error {
		_, err := sock.WriteTo(data, nil, group)
		return err
	})
	r.sock = sock
	r.raw = conn
	r.group = group

	r.taskMgr = task.NewTaskManager(context.Background(), cfg.logger)
	if err := r.taskMgr.StartReceiver("routingReceiver", recvBufSize, r.receive, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return r, nil
}

// newRouting wires the send pipeline and close hook; NewRouting attaches the
// socket and receive loop.
func newRouting(base *link.BaseLink, write func([]byte) error) *Routing {
	r := &Routing{BaseLink: base, write: write}
	base.SetEventSource(r)
	base.RegisterSendFrameFunc(r.sendFrame)
	base.RegisterCloseFunc(r.closeHook)

	return r
}

// sendFrame multicasts the frame as ROUTING_INDICATION and loops back a
// positive confirmation.
func (r *Routing) sendFrame(frame *cemi.LData) error {
	r.pauseWhileBusy()

	ind := *frame
	ind.MsgCode = cemi.LDataInd

	data, err := ind.ToBytes()
	if err != nil {
		return err
	}

	if err := r.write(Pack(&RoutingInd{Payload: data})); err != nil {
		return fmt.Errorf("send routing indication: %w", err)
	}

	con := ind
	con.MsgCode = cemi.LDataCon
	r.Deliver(&con)

	return nil
}

func (r *Routing) pauseWhileBusy() {
	r.busyMu.Lock()
	until := r.busyUntil
	r.busyMu.Unlock()

	if d := time.Until(until); d > 0 {
		time.Sleep(d)
	}
}

func (r *Routing) receive(buf []byte) bool {
	n, _, _, err := r.sock.ReadFrom(buf)
	if err != nil {
		if r.stopped.Load() || errors.Is(err, net.ErrClosed) {
			return false
		}

		r.Logger().Error("receive failed", "error", err)
		r.CloseWith(link.InitiatorInternal, fmt.Sprintf("receive failed: %v", err))
		return false
	}

	svc, err := Unpack(buf[:n])
	if err != nil {
		r.Logger().Debug("dropping malformed datagram", "error", err)
		return true
	}

	r.handleService(svc)
	return true
}

func (r *Routing) handleService(svc Service) {
	switch s := svc.(type) {
	case *RoutingInd:
		r.DeliverRaw(s.Payload)

	case *RoutingLost:
		r.Logger().Warn("router reports lost frames", "lost", s.Lost, "device_state", s.DeviceState)

		ev := &RoutingLostEvent{DeviceState: s.DeviceState, Lost: s.Lost}
		_ = r.DispatchEvent(func(l link.LinkListener) {
			if rl, ok := l.(RoutingListener); ok {
				rl.RoutingLost(ev)
			}
		})

	case *RoutingBusy:
		r.Logger().Debug("router busy", "wait", s.WaitTime)

		r.busyMu.Lock()
		if until := time.Now().Add(s.WaitTime); until.After(r.busyUntil) {
			r.busyUntil = until
		}
		r.busyMu.Unlock()

		ev := &RoutingBusyEvent{DeviceState: s.DeviceState, WaitTime: s.WaitTime}
		_ = r.DispatchEvent(func(l link.LinkListener) {
			if rl, ok := l.(RoutingListener); ok {
				rl.RoutingBusy(ev)
			}
		})

	default:
		r.Logger().Debug("ignoring unexpected service", "service", svc.ServiceType())
	}
}

func (r *Routing) closeHook(link.Initiator, string) {
	r.stopped.Store(true)
	if r.taskMgr != nil {
		r.taskMgr.Stop()
	}
	if r.raw != nil {
		_ = r.raw.Close()
	}
}
