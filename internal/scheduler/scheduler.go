// Package scheduler runs device work on a bounded worker pool.
//
// Parallel work is admitted only while a worker slot is free and is dropped
// otherwise. Serial work goes through a SerialQueue: tasks of one queue run
// one at a time in submission order, while separate queues proceed in
// parallel on the shared pool.
package scheduler

import (
	"errors"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// ErrStopped is returned when work is offered to a stopped scheduler
var ErrStopped = errors.New("scheduler stopped")

// Task is a unit of work
type Task func() error

// DefaultMaxWorkers mirrors the usual "2 x CPU + 1" sizing for I/O bound pools
func DefaultMaxWorkers() int {
	return runtime.NumCPU()*2 + 1
}

// Scheduler is a bounded worker pool
type Scheduler struct {
	slots  chan struct{}
	log    *zap.Logger
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New creates a scheduler with at most maxWorkers tasks running at once
func New(maxWorkers int, log *zap.Logger) *Scheduler {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		slots: make(chan struct{}, maxWorkers),
		log:   log,
	}
}

// MaxWorkers returns the worker ceiling
func (s *Scheduler) MaxWorkers() int {
	return cap(s.slots)
}

// Active returns the number of tasks currently holding a worker
func (s *Scheduler) Active() int {
	return len(s.slots)
}

// TrySubmit runs task in parallel if a worker is free. When the pool is at
// its ceiling the task is dropped, not queued, and false is returned.
func (s *Scheduler) TrySubmit(task Task) bool {
	if task == nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	select {
	case s.slots <- struct{}{}:
	default:
		s.log.Debug("parallel task dropped, pool saturated",
			zap.Int("active", s.Active()),
			zap.Int("max", s.MaxWorkers()))
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		s.run(task)
	}()
	return true
}

// execute runs task once a worker frees up. It never drops work, which is
// what the serial queues rely on.
func (s *Scheduler) execute(task func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStopped
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.slots <- struct{}{}
		defer func() { <-s.slots }()
		task()
	}()
	return nil
}

// run executes task, logging failures and recovering panics
func (s *Scheduler) run(task Task) {
	if err := s.call(task); err != nil {
		s.log.Warn("task failed", zap.Error(err))
	}
}

// call executes task and converts a panic into an error
func (s *Scheduler) call(task Task) (err error) {
	recovered := panics.Try(func() { err = task() })
	if recovered != nil {
		s.log.Error("task panicked", zap.String("panic", recovered.String()))
		return recovered.AsError()
	}
	return err
}

// Stop rejects new work and waits for running tasks to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
}

// Stopped reports whether Stop has been called
func (s *Scheduler) Stopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
