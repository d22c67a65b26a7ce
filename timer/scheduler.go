// Package timer provides the one-shot timer queue used for transaction timeouts.
package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"

	"txcoord/log"
)

const (
	taskPending int32 = iota
	taskCancelled
	taskFired
)

// Task is a scheduled callback.
type Task struct {
	deadline time.Time
	seq      uint64
	fn       func()
	state    atomic.Int32
	s        *Scheduler
}

// Deadline returns the time the task is due.
func (t *Task) Deadline() time.Time {
	return t.deadline
}

// Cancel prevents a pending task from firing. It reports whether this call did the
// cancelling; calling it again, or after the task fired, is a no-op.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	if !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.s.queuedCancelled.Add(1)
	return true
}

// Fired reports whether the callback was dispatched.
func (t *Task) Fired() bool {
	return t != nil && t.state.Load() == taskFired
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Scheduled       int64
	Fired           int64
	Purged          int64
	Queued          int
	QueuedCancelled int64
}

// Scheduler runs tasks on a single timer goroutine. Cancelled tasks stay queued until
// they reach the head of the queue or a purge removes them.
type Scheduler struct {
	opts *Options
	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}
	wake chan struct{}

	mu    sync.Mutex
	queue *priorityqueue.Queue
	seq   uint64

	scheduled       atomic.Int64
	fired           atomic.Int64
	purged          atomic.Int64
	queuedCancelled atomic.Int64
}

// byDeadline orders tasks earliest first, falling back to scheduling order.
func byDeadline(a, b interface{}) int {
	ta, tb := a.(*Task), b.(*Task)
	switch {
	case ta.deadline.Before(tb.deadline):
		return -1
	case tb.deadline.Before(ta.deadline):
		return 1
	case ta.seq < tb.seq:
		return -1
	case ta.seq > tb.seq:
		return 1
	default:
		return 0
	}
}

func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:  &Options{},
		ctx:   ctx,
		stop:  cancel,
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
		queue: priorityqueue.NewWith(byDeadline),
	}
	for _, opt := range opts {
		opt(s.opts)
	}
	repair(s.opts)

	go s.run()
	return s
}

// Stop terminates the timer goroutine. Pending tasks never fire.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.done
}

// Schedule arranges for fn to run on its own goroutine after delay.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	s.mu.Lock()
	s.seq++
	t := &Task{deadline: time.Now().Add(delay), seq: s.seq, fn: fn, s: s}
	s.queue.Enqueue(t)
	s.mu.Unlock()

	s.scheduled.Add(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t
}

// Purge drops cancelled tasks from the queue and returns how many were removed.
func (s *Scheduler) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.queue.Values()
	kept := priorityqueue.NewWith(byDeadline)
	removed := 0
	for _, v := range values {
		t := v.(*Task)
		if t.state.Load() == taskCancelled {
			removed++
			continue
		}
		kept.Enqueue(t)
	}
	s.queue = kept
	s.purged.Add(int64(removed))
	s.queuedCancelled.Add(-int64(removed))
	return removed
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	queued := s.queue.Size()
	s.mu.Unlock()
	return Stats{
		Scheduled:       s.scheduled.Load(),
		Fired:           s.fired.Load(),
		Purged:          s.purged.Load(),
		Queued:          queued,
		QueuedCancelled: s.queuedCancelled.Load(),
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	purgeTicker := time.NewTicker(s.opts.PurgeInterval)
	defer purgeTicker.Stop()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := s.fireDue(time.Now())
		if !ok {
			next = time.Now().Add(time.Hour)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(time.Until(next))

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		case <-purgeTicker.C:
			if s.queuedCancelled.Load() >= s.opts.PurgeThreshold {
				n := s.Purge()
				log.Debugf("timer purge removed %d cancelled tasks", n)
			}
		}
	}
}

// fireDue dispatches every task due at now and returns the next deadline.
func (s *Scheduler) fireDue(now time.Time) (time.Time, bool) {
	var due []*Task

	s.mu.Lock()
	for {
		head, ok := s.queue.Peek()
		if !ok {
			break
		}
		t := head.(*Task)
		if t.state.Load() == taskCancelled {
			s.queue.Dequeue()
			s.queuedCancelled.Add(-1)
			continue
		}
		if t.deadline.After(now) {
			s.mu.Unlock()
			s.dispatch(due)
			return t.deadline, true
		}
		s.queue.Dequeue()
		due = append(due, t)
	}
	s.mu.Unlock()
	s.dispatch(due)
	return time.Time{}, false
}

func (s *Scheduler) dispatch(due []*Task) {
	for _, t := range due {
		if !t.state.CompareAndSwap(taskPending, taskFired) {
			if t.state.Load() == taskCancelled {
				s.queuedCancelled.Add(-1)
			}
			continue
		}
		s.fired.Add(1)
		go t.fn()
	}
}
