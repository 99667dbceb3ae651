package link

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/knxlib/go-knx/internal/queue"
	"github.com/knxlib/go-knx/logger"
)

// notifier lifecycle states
const (
	notifierCreated int32 = iota
	notifierRunning
	notifierDraining
	notifierStopped
)

// notice is a queued event dispatch. A terminal notice stops the worker
// after delivery.
type notice[L comparable] struct {
	dispatch func(L)
	terminal bool
}

// Notifier fans events out to registered listeners from a single dispatch
// goroutine.
//
// Events are queued in FIFO order and never block the producer. Each listener
// observes events in the order they were queued. A close event queued with
// Close is always the last event delivered; afterwards the dispatch goroutine
// stops and Done is closed.
//
// Listeners are identified by comparison, so listener implementations are
// usually registered as pointers.
type Notifier[L comparable] struct {
	name      string
	logger    logger.Logger
	listeners *xsync.MapOf[L, struct{}]
	evq       queue.Queue[notice[L]]
	wake      chan struct{}
	done      chan struct{}
	state     atomic.Int32
	stateMu   sync.RWMutex
}

// NewNotifier creates a notifier in the created state. Events may be queued
// right away; delivery begins with Start.
func NewNotifier[L comparable](name string, l logger.Logger) *Notifier[L] {
	if l == nil {
		l = logger.GetLogger()
	}
	return &Notifier[L]{
		name:      name,
		logger:    l,
		listeners: xsync.NewMapOf[L, struct{}](),
		evq:       queue.NewLockFreeQueue[notice[L]](),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Calling Start more than once, or
// after Close or Quit, has no effect.
func (n *Notifier[L]) Start() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.state.Load() != notifierCreated {
		return
	}
	n.state.Store(notifierRunning)
	go n.worker()
}

// RegisterListener adds a listener. Registering the same listener twice has
// no effect.
func (n *Notifier[L]) RegisterListener(l L) {
	n.listeners.Store(l, struct{}{})
}

// RemoveListener removes a listener. An event currently being delivered may
// still reach the listener.
func (n *Notifier[L]) RemoveListener(l L) {
	n.listeners.Delete(l)
}

// ListenerCount returns the number of registered listeners.
func (n *Notifier[L]) ListenerCount() int {
	return n.listeners.Size()
}

// Dispatch queues fn for delivery to every registered listener.
// It returns ErrClosed once Close or Quit was called.
func (n *Notifier[L]) Dispatch(fn func(L)) error {
	n.stateMu.RLock()
	s := n.state.Load()
	if s != notifierCreated && s != notifierRunning {
		n.stateMu.RUnlock()
		return ErrClosed
	}
	n.evq.Enqueue(notice[L]{dispatch: fn})
	n.stateMu.RUnlock()

	n.signal()

	return nil
}

// Close queues fn as the final event. All previously queued events are
// delivered first, then fn, then the dispatch goroutine stops. Subsequent
// Dispatch calls fail with ErrClosed. Close and Quit are idempotent, only
// the first call wins.
func (n *Notifier[L]) Close(fn func(L)) {
	n.finish(fn)
}

// Quit drains all queued events and stops the dispatch goroutine without a
// final event. It is safe to call from a listener, the call only signals and
// never waits for the dispatch goroutine.
func (n *Notifier[L]) Quit() {
	n.finish(nil)
}

// Done returns a channel that is closed after the final event was delivered
// and the dispatch goroutine terminated.
func (n *Notifier[L]) Done() <-chan struct{} {
	return n.done
}

func (n *Notifier[L]) finish(fn func(L)) {
	n.stateMu.Lock()
	s := n.state.Load()
	if s == notifierDraining || s == notifierStopped {
		n.stateMu.Unlock()
		return
	}
	n.state.Store(notifierDraining)
	// the terminal notice is queued behind every accepted event, FIFO order
	// makes it the last delivery
	n.evq.Enqueue(notice[L]{dispatch: fn, terminal: true})
	n.stateMu.Unlock()

	if s == notifierCreated {
		// never started, run the worker just to drain and deliver the close
		go n.worker()
		return
	}

	n.signal()
}

func (n *Notifier[L]) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Notifier[L]) worker() {
	defer func() {
		n.state.Store(notifierStopped)
		close(n.done)
	}()

	for {
		it, ok := n.evq.Dequeue()
		if !ok {
			<-n.wake
			continue
		}

		if it.dispatch != nil {
			n.fanOut(it.dispatch)
		}
		if it.terminal {
			return
		}
	}
}

func (n *Notifier[L]) fanOut(dispatch func(L)) {
	var panicked []L
	n.listeners.Range(func(l L, _ struct{}) bool {
		if !n.deliver(l, dispatch) {
			panicked = append(panicked, l)
		}
		return true
	})

	for _, l := range panicked {
		n.listeners.Delete(l)
		n.logger.Warn("removed listener after panic", "notifier", n.name)
	}
}

func (n *Notifier[L]) deliver(l L, dispatch func(L)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("panic in listener", "notifier", n.name, "panic", r)
			ok = false
		}
	}()

	dispatch(l)

	return true
}
