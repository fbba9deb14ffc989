package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/unet/queue"
)

// Queue runs tasks serially on one goroutine, in submission order.
type Queue struct {
	name    string
	pending *queue.Queue[func()]
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	closed  atomic.Bool
	once    sync.Once
}

// NewQueue starts a serial queue. name is used in log fields.
func NewQueue(name string) *Queue {
	q := &Queue{
		name:    name,
		pending: queue.New[func()](),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			task, ok := q.pending.Pop()
			if !ok {
				break
			}
			task()
			if q.closed.Load() {
				return
			}
		}
	}
}

// Async submits task. It never blocks, and may be called from a task on the
// same queue. It returns false once the queue is closed.
func (q *Queue) Async(task func()) bool {
	if q.closed.Load() {
		return false
	}
	q.pending.Push(task)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync submits task and waits for it to finish. It must not be called from a
// task running on the same queue.
func (q *Queue) Sync(task func()) bool {
	finished := make(chan struct{})
	if !q.Async(func() {
		defer close(finished)
		task()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-q.exited:
		return false
	}
}

// Flush waits until every task submitted before the call has run.
func (q *Queue) Flush() {
	q.Sync(func() {})
}

// Close stops the queue after the running task. Pending tasks are dropped.
// It must not be called from a task running on the same queue.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.closed.Store(true)
		close(q.done)
		<-q.exited

		dropped := q.pending.Len()
		if dropped > 0 {
			logrus.WithFields(logrus.Fields{
				"component": "dispatch",
				"queue":     q.name,
				"dropped":   dropped,
			}).Debug("Queue closed with pending tasks")
		}
	})
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	return q.closed.Load()
}
