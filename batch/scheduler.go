package batch

import (
	"sync"
	"time"
)

// DefaultFrameInterval approximates one display frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// FrameScheduler defers callbacks by one frame interval and hands them to
// post, which must run them on the batcher's owning goroutine.
type FrameScheduler struct {
	interval time.Duration
	post     func(func())

	mu    sync.Mutex
	timer *time.Timer
}

// NewFrameScheduler returns a scheduler with the given frame interval.
// A non-positive interval uses DefaultFrameInterval.
func NewFrameScheduler(interval time.Duration, post func(func())) *FrameScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameScheduler{interval: interval, post: post}
}

// Schedule implements Scheduler.
func (s *FrameScheduler) Schedule(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(s.interval, func() { s.post(fn) })
}

// Stop cancels the outstanding frame, if any.
func (s *FrameScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Manual queues callbacks until RunPending is called. Tests use it to step
// frames deterministically.
type Manual struct {
	queue []func()
}

// Schedule implements Scheduler.
func (m *Manual) Schedule(fn func()) {
	m.queue = append(m.queue, fn)
}

// RunPending runs the callbacks queued so far and returns how many ran.
// Callbacks scheduled while running wait for the next call.
func (m *Manual) RunPending() int {
	q := m.queue
	m.queue = nil
	for _, fn := range q {
		fn()
	}
	return len(q)
}

// Pending is the number of queued callbacks.
func (m *Manual) Pending() int { return len(m.queue) }
