package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Clock abstracts wall time so every timer in the engine (ack timeouts,
// retry backoff, typing expiry, batch flush, sweeps) can run on virtual
// time in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing.
	Stop() bool
}

type realClock struct{}

// System returns a Clock backed by the runtime timers.
func System() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// FakeClock is a manually advanced Clock. Advance fires due callbacks
// synchronously on the calling goroutine, which makes timing-dependent
// tests deterministic.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending timerHeap
	seq     int64
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, when: c.now.Add(d), seq: c.seq, fn: fn}
	heap.Push(&c.pending, t)
	return t
}

// Advance moves the clock forward, firing every callback due within d in
// schedule order. Callbacks may schedule further timers; those fire too if
// they fall inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		if len(c.pending) == 0 || c.pending[0].when.After(target) {
			break
		}
		t := heap.Pop(&c.pending).(*fakeTimer)
		if t.stopped {
			continue
		}
		t.fired = true
		c.now = t.when
		fn := t.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

type fakeTimer struct {
	clock   *FakeClock
	when    time.Time
	seq     int64
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type timerHeap []*fakeTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*fakeTimer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
