// Package scheduler provides the single timer abstraction used across the
// engine. Typing auto-expiry, delivery ack timeouts, retry backoff and
// batch flushes are all cancellable delayed tasks on one injectable clock,
// so tests fast-forward virtual time instead of sleeping.
package scheduler

import (
	"sync"
	"time"
)

// Task is a scheduled callback that can be cancelled before it fires.
type Task struct {
	timer Timer
	once  sync.Once
}

// Cancel stops the task if it has not fired yet. Safe to call repeatedly.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.timer != nil {
			t.timer.Stop()
		}
	})
}

// Scheduler hands out tasks on a shared clock. Close cancels nothing that
// already fired but prevents new tasks from being scheduled.
type Scheduler struct {
	clock  Clock
	mu     sync.Mutex
	closed bool
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = System()
	}
	return &Scheduler{clock: clock}
}

// Clock exposes the underlying clock for components that need Now.
func (s *Scheduler) Clock() Clock { return s.clock }

// Schedule runs fn after d. Returns nil if the scheduler is closed.
func (s *Scheduler) Schedule(d time.Duration, fn func()) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return &Task{timer: s.clock.AfterFunc(d, fn)}
}

// Close stops accepting new tasks. In-flight timers keep their own
// lifecycle; owners cancel them on shutdown.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
