package connector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/knxlib/go-knx/link"
	"github.com/knxlib/go-knx/logger"
)

// instanceConn is the part of a link or monitor the reconnect engine needs.
type instanceConn interface {
	IsOpen() bool
	Close()
}

// engine owns the replaceable underlying instance of a connector and
// implements single flight connecting, close triggered reconnects and the
// bounded retry schedule. Connector and MonitorConnector wrap it for links
// and monitors respectively.
type engine[T instanceConn] struct {
	name   string
	logger logger.Logger
	policy policy
	sched  *Scheduler

	factory func() (T, error)
	// replay applies the wrapper's saved state (listeners, medium, hop
	// count) onto a freshly created instance before it is published.
	replay func(T)

	mu         sync.Mutex
	cond       *sync.Cond
	connecting bool
	closed     bool
	hasCurrent bool
	current    T
	pending    *Handle
}

func newEngine[T instanceConn](name string, cfg *config, factory func() (T, error), replay func(T)) *engine[T] {
	e := &engine[T]{
		name:    name,
		logger:  cfg.logger,
		policy:  cfg.policy,
		sched:   cfg.sched,
		factory: factory,
		replay:  replay,
	}
	e.cond = sync.NewCond(&e.mu)

	return e
}

// instance returns the currently held underlying instance, open or not.
func (e *engine[T]) instance() (T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.hasCurrent
}

func (e *engine[T]) isOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && e.hasCurrent && e.current.IsOpen()
}

// resolve returns the instance a delegated operation should act on,
// connecting first when there is none yet or when the held one is closed and
// the policy enables connect on send. All connect failures surface as
// ErrClosed to the delegating caller.
func (e *engine[T]) resolve() (T, error) {
	var zero T

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return zero, fmt.Errorf("%w: connector closed", link.ErrClosed)
	}
	if e.hasCurrent && (e.current.IsOpen() || !e.policy.connectOnSend) {
		t := e.current
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	t, err := e.awaitOrConnect()
	if err != nil {
		if errors.Is(err, link.ErrClosed) {
			return zero, err
		}
		return zero, fmt.Errorf("%w: connect failed: %w", link.ErrClosed, err)
	}

	return t, nil
}

// awaitOrConnect returns an open instance, creating one if necessary. At
// most one factory invocation is in flight per engine; additional callers
// wait for its outcome instead of connecting themselves.
func (e *engine[T]) awaitOrConnect() (T, error) {
	var zero T

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return zero, fmt.Errorf("%w: connector closed", link.ErrClosed)
	}
	if e.hasCurrent && e.current.IsOpen() {
		t := e.current
		e.mu.Unlock()
		return t, nil
	}

	if e.connecting {
		for e.connecting {
			e.cond.Wait()
		}
		// the attempt we waited for either published an open instance or
		// failed; a waiter never starts its own attempt
		if !e.closed && e.hasCurrent && e.current.IsOpen() {
			t := e.current
			e.mu.Unlock()
			return t, nil
		}
		e.mu.Unlock()
		return zero, fmt.Errorf("%w: awaited connect attempt failed", link.ErrClosed)
	}

	e.connecting = true
	e.mu.Unlock()

	inst, err := e.factory()
	if err == nil {
		e.replay(inst)
	}

	e.mu.Lock()
	e.connecting = false
	e.cond.Broadcast()

	if err != nil {
		e.mu.Unlock()
		return zero, err
	}
	if e.closed {
		e.mu.Unlock()
		inst.Close()
		return zero, fmt.Errorf("%w: connector closed", link.ErrClosed)
	}

	e.current = inst
	e.hasCurrent = true
	e.mu.Unlock()

	e.logger.Debug("connected", "connector", e.name)

	return inst, nil
}

// noteClosed handles the close event of the underlying instance from. Close
// events of already replaced instances are ignored. Only server requested
// and internal closes can trigger a reconnect, and only if the policy
// enables them; a reconnect cycle gets the full attempt budget.
func (e *engine[T]) noteClosed(from T, initiator link.Initiator, reason string) {
	switch initiator {
	case link.InitiatorServer:
		if !e.policy.reconnectOnServer {
			return
		}
	case link.InitiatorInternal:
		if !e.policy.reconnectOnInternal {
			return
		}
	default:
		return
	}

	e.mu.Lock()
	stale := !e.hasCurrent || any(e.current) != any(from)
	skip := stale || e.closed || e.pending != nil
	e.mu.Unlock()
	if skip {
		return
	}

	e.logger.Info("connection lost, scheduling reconnect",
		"connector", e.name, "initiator", initiator, "reason", reason)
	e.scheduleRetry(e.policy.attempts)
}

// afterInitialFailure schedules the retries following a swallowed creation
// error. The failed initial attempt already consumed one unit of the budget.
func (e *engine[T]) afterInitialFailure() {
	if e.policy.attempts == UnboundedAttempts {
		e.scheduleRetry(UnboundedAttempts)
		return
	}
	if e.policy.attempts <= 1 {
		e.logger.Warn("connect attempts exhausted", "connector", e.name)
		return
	}
	e.scheduleRetry(e.policy.attempts - 1)
}

func (e *engine[T]) scheduleRetry(remaining uint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.pending != nil {
		return
	}
	e.pending = e.sched.Schedule(e.policy.delay, func() { e.retry(remaining) })
}

// retry is one scheduled background attempt. Its failure is never surfaced
// to a caller, it only decides between rescheduling and giving up.
func (e *engine[T]) retry(remaining uint) {
	e.mu.Lock()
	e.pending = nil
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	_, err := e.awaitOrConnect()
	if err == nil {
		e.logger.Info("reconnected", "connector", e.name)
		return
	}
	e.logger.Warn("reconnect attempt failed", "connector", e.name, "error", err)

	if e.policy.attempts == UnboundedAttempts {
		e.scheduleRetry(UnboundedAttempts)
		return
	}
	if remaining <= 1 {
		e.logger.Warn("connect attempts exhausted", "connector", e.name)
		return
	}
	e.scheduleRetry(remaining - 1)
}

// close is terminal: it cancels a pending reconnect, closes the held
// instance and wakes all connect waiters.
func (e *engine[T]) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	e.pending = nil

	var cur T
	hasCur := e.hasCurrent
	if hasCur {
		cur = e.current
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	if pending != nil {
		pending.Cancel()
	}
	if hasCur {
		cur.Close()
	}
}
