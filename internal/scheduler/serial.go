package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type serialTask struct {
	task Task
	done chan error
}

// SerialQueue runs its tasks strictly one after another, in the order they
// were submitted. Each finished task, successful or not, starts the next one.
type SerialQueue struct {
	sched *Scheduler
	name  string

	mu      sync.Mutex
	pending []*serialTask
	active  *serialTask
}

// NewSerialQueue creates a FIFO queue backed by the scheduler's workers
func (s *Scheduler) NewSerialQueue(name string) *SerialQueue {
	return &SerialQueue{sched: s, name: name}
}

// Submit appends task to the queue. It starts right away when nothing else
// from this queue is running.
func (q *SerialQueue) Submit(task Task) error {
	_, err := q.enqueue(task)
	return err
}

// Do submits task and waits for it to finish. A cancelled ctx stops the wait,
// not the task.
func (q *SerialQueue) Do(ctx context.Context, task Task) error {
	st, err := q.enqueue(task)
	if err != nil {
		return err
	}
	select {
	case err := <-st.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks waiting or running
func (q *SerialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if q.active != nil {
		n++
	}
	return n
}

func (q *SerialQueue) enqueue(task Task) (*serialTask, error) {
	if task == nil {
		return nil, errors.New("scheduler: nil task")
	}
	if q.sched.Stopped() {
		return nil, ErrStopped
	}

	st := &serialTask{task: task, done: make(chan error, 1)}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, st)
	if q.active == nil {
		q.scheduleNextLocked()
	}
	return st, nil
}

// scheduleNextLocked pops the next task and hands it to the pool.
// q.mu must be held.
func (q *SerialQueue) scheduleNextLocked() {
	if len(q.pending) == 0 {
		q.active = nil
		return
	}
	st := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.active = st

	err := q.sched.execute(func() {
		err := q.sched.call(st.task)
		if err != nil {
			q.sched.log.Warn("serial task failed",
				zap.String("queue", q.name),
				zap.Error(err))
		}
		st.done <- err

		q.mu.Lock()
		q.scheduleNextLocked()
		q.mu.Unlock()
	})
	if err != nil {
		// pool is gone, nothing queued here will ever run
		st.done <- err
		for _, p := range q.pending {
			p.done <- err
		}
		q.pending = nil
		q.active = nil
	}
}
