package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/internal/pool"
	"github.com/knxlib/go-knx/logger"
)

// DefaultPropTimeout is the time a property transaction waits for the
// confirmation from the bus access server. Servers that do not implement
// device management simply never answer, so absence is detected by timeout.
const DefaultPropTimeout = time.Second

// PropClient reads and writes interface object properties of the bus access
// server through cEMI device management. Transports that support device
// management register their send function on the base link, which makes the
// client available via Properties.
//
// A property that the server does not implement is reported as absent
// (ok == false), not as an error. This covers both a negative confirmation
// and a server that never confirms.
type PropClient struct {
	name   string
	logger logger.Logger
	sendFn SendMgmtFunc

	timeout time.Duration

	mu sync.Mutex

	pendingMu sync.Mutex
	pending   chan *cemi.DevMgmt
	match     cemi.MessageCode

	closeOnce sync.Once
	closedCh  chan struct{}
}

// NewPropClient creates a property client sending through fn.
func NewPropClient(name string, fn SendMgmtFunc, l logger.Logger) *PropClient {
	if l == nil {
		l = logger.GetLogger()
	}
	return &PropClient{
		name:     name,
		logger:   l,
		sendFn:   fn,
		timeout:  DefaultPropTimeout,
		closedCh: make(chan struct{}),
	}
}

// SetTimeout adjusts the confirmation timeout. Values <= 0 are ignored.
func (p *PropClient) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// ReadProperty reads elements of the property pid of an interface object.
// It returns ok == false if the server does not implement the property.
func (p *PropClient) ReadProperty(ctx context.Context, objType uint16, instance, pid, elements uint8,
	start uint16,
) (data []byte, ok bool, err error) {
	req := cemi.NewPropRead(objType, instance, pid, elements, start)

	con, err := p.transact(ctx, req, cemi.PropReadCon)
	if err != nil || con == nil {
		return nil, false, err
	}
	if con.IsError() {
		p.logger.Debug("property read refused", "link", p.name,
			"pid", pid, "errorCode", con.ErrorCode())
		return nil, false, nil
	}

	return con.Data, true, nil
}

// WriteProperty writes elements of the property pid of an interface object.
// It returns ok == false if the server does not implement the property.
func (p *PropClient) WriteProperty(ctx context.Context, objType uint16, instance, pid, elements uint8,
	start uint16, data []byte,
) (ok bool, err error) {
	req := cemi.NewPropWrite(objType, instance, pid, elements, start, data)

	con, err := p.transact(ctx, req, cemi.PropWriteCon)
	if err != nil || con == nil {
		return false, err
	}
	if con.IsError() {
		p.logger.Debug("property write refused", "link", p.name,
			"pid", pid, "errorCode", con.ErrorCode())
		return false, nil
	}

	return true, nil
}

// transact sends req and waits for a confirmation with message code want.
// A nil confirmation with nil error means the server never answered.
func (p *PropClient) transact(ctx context.Context, req *cemi.DevMgmt, want cemi.MessageCode) (*cemi.DevMgmt, error) {
	select {
	case <-p.closedCh:
		return nil, ErrClosed
	default:
	}

	// One transaction at a time, confirmations carry no transaction id.
	p.mu.Lock()
	defer p.mu.Unlock()

	replyCh := make(chan *cemi.DevMgmt, 1)

	p.pendingMu.Lock()
	p.pending = replyCh
	p.match = want
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		p.pending = nil
		p.pendingMu.Unlock()
	}()

	if err := p.sendFn(req); err != nil {
		return nil, fmt.Errorf("send property request: %w", err)
	}

	timer := pool.GetTimer(p.timeout)
	defer pool.PutTimer(timer)

	select {
	case con := <-replyCh:
		return con, nil
	case <-timer.C:
		p.logger.Debug("property request timed out", "link", p.name,
			"pid", req.PropertyID, "timeout", p.timeout)
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closedCh:
		return nil, ErrClosed
	}
}

// deliver routes a received device management message to the waiting
// transaction. Non matching messages are dropped.
func (p *PropClient) deliver(m *cemi.DevMgmt) {
	switch m.MsgCode {
	case cemi.PropReadCon, cemi.PropWriteCon:
	case cemi.PropInfoInd:
		p.logger.Debug("property info indication", "link", p.name,
			"objectType", m.ObjectType, "pid", m.PropertyID)
		return
	case cemi.ResetInd:
		p.logger.Debug("management server reset", "link", p.name)
		return
	default:
		return
	}

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	if p.pending == nil || m.MsgCode != p.match {
		p.logger.Debug("dropping unexpected confirmation", "link", p.name, "code", m.MsgCode)
		return
	}

	select {
	case p.pending <- m:
	default:
	}
	p.pending = nil
}

func (p *PropClient) close() {
	p.closeOnce.Do(func() { close(p.closedCh) })
}
