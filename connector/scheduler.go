package connector

import (
	"container/heap"
	"sync"
	"time"

	"github.com/knxlib/go-knx/internal/pool"
	"github.com/knxlib/go-knx/logger"
)

// DefaultSchedulerWorkers is the worker count of the process wide default
// scheduler.
const DefaultSchedulerWorkers = 2

// Handle references a scheduled task. Cancel prevents execution as long as
// the task has not been handed to a worker yet.
type Handle struct {
	sched    *Scheduler
	fireAt   time.Time
	fn       func()
	index    int
	canceled bool
}

// Cancel withdraws the task. Canceling an already executed or executing task
// has no effect.
func (h *Handle) Cancel() {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()

	h.canceled = true
	if h.index >= 0 {
		heap.Remove(&h.sched.tasks, h.index)
	}
}

// Scheduler runs delayed tasks on a bounded worker pool. A single dispatch
// goroutine tracks the earliest pending task in a min heap and hands due
// tasks to the workers, so a slow task never delays the timer itself.
//
// Connectors share the process wide DefaultScheduler unless one is injected
// with WithScheduler.
type Scheduler struct {
	logger logger.Logger

	mu      sync.Mutex
	tasks   taskHeap
	stopped bool

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	jobs     chan func()
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler with the given number of workers.
// workers <= 0 selects DefaultSchedulerWorkers.
func NewScheduler(workers int, l logger.Logger) *Scheduler {
	if workers <= 0 {
		workers = DefaultSchedulerWorkers
	}
	if l == nil {
		l = logger.GetLogger()
	}

	s := &Scheduler{
		logger: l,
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		jobs:   make(chan func(), workers),
	}

	s.wg.Add(1 + workers)
	go s.dispatch()
	for i := 0; i < workers; i++ {
		go s.work()
	}

	return s
}

var (
	defaultSchedOnce sync.Once
	defaultSched     *Scheduler
)

// DefaultScheduler returns the process wide scheduler shared by connectors
// that do not inject their own. It is created on first use and lives for the
// rest of the process, it is never stopped.
func DefaultScheduler() *Scheduler {
	defaultSchedOnce.Do(func() {
		defaultSched = NewScheduler(DefaultSchedulerWorkers, nil)
	})
	return defaultSched
}

// Schedule runs fn on one of the scheduler's workers once d has elapsed.
// On a stopped scheduler the task is dropped and a canceled handle returned.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Handle {
	h := &Handle{sched: s, fireAt: time.Now().Add(d), fn: fn, index: -1}

	s.mu.Lock()
	if s.stopped {
		h.canceled = true
		s.mu.Unlock()
		return h
	}
	heap.Push(&s.tasks, h)
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}

	return h
}

// Stop stops the dispatch goroutine and the workers and waits for them to
// exit. Pending tasks are discarded, an already running task finishes.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		now := time.Now()

		var due []func()
		for len(s.tasks) > 0 {
			next := s.tasks[0]
			if next.canceled {
				heap.Pop(&s.tasks)
				continue
			}
			if next.fireAt.After(now) {
				break
			}
			heap.Pop(&s.tasks)
			due = append(due, next.fn)
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if len(s.tasks) > 0 {
			timer = pool.GetTimer(time.Until(s.tasks[0].fireAt))
			timerC = timer.C
		}
		s.mu.Unlock()

		for _, fn := range due {
			select {
			case s.jobs <- fn:
			case <-s.stopCh:
				if timer != nil {
					pool.PutTimer(timer)
				}
				return
			}
		}

		select {
		case <-timerC:
		case <-s.kick:
		case <-s.stopCh:
			if timer != nil {
				pool.PutTimer(timer)
			}
			return
		}
		if timer != nil {
			pool.PutTimer(timer)
		}
	}
}

func (s *Scheduler) work() {
	defer s.wg.Done()

	for {
		select {
		case fn := <-s.jobs:
			s.runTask(fn)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled task", "panic", r)
		}
	}()

	fn()
}

// taskHeap is a min heap ordered by fire time, with index tracking so
// canceled handles can be removed in place.
type taskHeap []*Handle

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t, _ := x.(*Handle)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[0 : n-1]

	return t
}
