package link

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/knxlib/go-knx/logger"
)

func newTestLogger() *logger.MockLogger {
	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()
	mockLogger.On("Info", mock.Anything, mock.Anything).Return()
	mockLogger.On("Warn", mock.Anything, mock.Anything).Return()
	mockLogger.On("Error", mock.Anything, mock.Anything).Return()
	return mockLogger
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func waitDone(t *testing.T, n *Notifier[*eventRecorder]) {
	t.Helper()
	select {
	case <-n.Done():
	case <-time.After(time.Second):
		t.Fatal("notifier did not stop in time")
	}
}

func TestNotifier_FIFOOrder(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())
	n.Start()

	rec := &eventRecorder{}
	n.RegisterListener(rec)

	for i := 0; i < 100; i++ {
		ev := fmt.Sprintf("ev-%03d", i)
		err := n.Dispatch(func(r *eventRecorder) { r.record(ev) })
		require.NoError(t, err)
	}
	n.Close(func(r *eventRecorder) { r.record("closed") })

	waitDone(t, n)

	events := rec.snapshot()
	require.Len(t, events, 101)
	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprintf("ev-%03d", i), events[i])
	}
	assert.Equal(t, "closed", events[100])
}

func TestNotifier_DispatchAfterClose(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())
	n.Start()

	rec := &eventRecorder{}
	n.RegisterListener(rec)

	n.Close(func(r *eventRecorder) { r.record("closed") })

	err := n.Dispatch(func(r *eventRecorder) { r.record("late") })
	assert.ErrorIs(t, err, ErrClosed)

	waitDone(t, n)

	assert.Equal(t, []string{"closed"}, rec.snapshot())
}

func TestNotifier_CloseBeforeStart(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())

	rec := &eventRecorder{}
	n.RegisterListener(rec)

	// events queued before Start are delivered when the worker drains
	require.NoError(t, n.Dispatch(func(r *eventRecorder) { r.record("early") }))
	n.Close(func(r *eventRecorder) { r.record("closed") })

	waitDone(t, n)

	assert.Equal(t, []string{"early", "closed"}, rec.snapshot())
}

func TestNotifier_QuitWithoutFinalEvent(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())
	n.Start()

	rec := &eventRecorder{}
	n.RegisterListener(rec)

	require.NoError(t, n.Dispatch(func(r *eventRecorder) { r.record("ev") }))
	n.Quit()

	waitDone(t, n)

	assert.Equal(t, []string{"ev"}, rec.snapshot())
	assert.ErrorIs(t, n.Dispatch(func(r *eventRecorder) {}), ErrClosed)
}

func TestNotifier_QuitFromListener(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())
	n.Start()

	rec := &eventRecorder{}
	n.RegisterListener(rec)

	// a listener shutting down the notifier from its own callback must not
	// deadlock the dispatch goroutine
	require.NoError(t, n.Dispatch(func(r *eventRecorder) {
		r.record("ev")
		n.Quit()
	}))

	waitDone(t, n)

	assert.Equal(t, []string{"ev"}, rec.snapshot())
}

func TestNotifier_DoubleClose(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())
	n.Start()

	rec := &eventRecorder{}
	n.RegisterListener(rec)

	n.Close(func(r *eventRecorder) { r.record("first") })
	n.Close(func(r *eventRecorder) { r.record("second") })

	waitDone(t, n)

	assert.Equal(t, []string{"first"}, rec.snapshot())
}

func TestNotifier_PanicRemovesListener(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())
	n.Start()

	good := &eventRecorder{}
	bad := &eventRecorder{}
	n.RegisterListener(good)
	n.RegisterListener(bad)
	require.Equal(t, 2, n.ListenerCount())

	require.NoError(t, n.Dispatch(func(r *eventRecorder) {
		if r == bad {
			panic("listener failure")
		}
		r.record("ev-1")
	}))
	require.NoError(t, n.Dispatch(func(r *eventRecorder) { r.record("ev-2") }))

	time.Sleep(100 * time.Millisecond)

	// the panicking listener is removed, the good one keeps receiving
	assert.Equal(t, 1, n.ListenerCount())
	assert.Equal(t, []string{"ev-1", "ev-2"}, good.snapshot())
	assert.Empty(t, bad.snapshot())

	n.Quit()
	waitDone(t, n)
}

func TestNotifier_RemoveListener(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())
	n.Start()

	rec := &eventRecorder{}
	n.RegisterListener(rec)
	require.Equal(t, 1, n.ListenerCount())

	n.RemoveListener(rec)
	assert.Equal(t, 0, n.ListenerCount())

	require.NoError(t, n.Dispatch(func(r *eventRecorder) { r.record("ev") }))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	n.Quit()
	waitDone(t, n)
}

func TestNotifier_DrainBeforeStop(t *testing.T) {
	n := NewNotifier[*eventRecorder]("test", newTestLogger())
	n.Start()

	rec := &eventRecorder{}
	n.RegisterListener(rec)

	// slow listener so the queue holds events when Close is called
	for i := 0; i < 10; i++ {
		ev := fmt.Sprintf("ev-%d", i)
		require.NoError(t, n.Dispatch(func(r *eventRecorder) {
			time.Sleep(5 * time.Millisecond)
			r.record(ev)
		}))
	}
	n.Close(func(r *eventRecorder) { r.record("closed") })

	waitDone(t, n)

	events := rec.snapshot()
	require.Len(t, events, 11)
	assert.Equal(t, "closed", events[10])
}
