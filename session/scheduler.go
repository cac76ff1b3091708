package session

import (
	"sync"
	"time"
)

// Clock is the time source used by the Scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Scheduler runs one callback at a time after a delay. Arming it again replaces the
// pending callback; a callback that was already in flight when it got replaced or
// cancelled is discarded.
type Scheduler struct {
	clock Clock
	fn    func()

	mu       sync.Mutex
	timer    Timer
	gen      uint64
	deadline time.Time
	stopped  bool
}

// NewScheduler returns an idle Scheduler that calls fn when it fires.
func NewScheduler(clock Clock, fn func()) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{clock: clock, fn: fn}
}

// Reschedule cancels any pending callback and arms a new one after d.
// Negative delays fire immediately. Once the scheduler is stopped it arms nothing
// and returns false.
func (s *Scheduler) Reschedule(d time.Duration) bool {
	d = max(d, 0)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	s.stopLocked()
	s.gen++
	gen := s.gen
	s.deadline = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen) })
	return true
}

// Cancel disarms the scheduler. It is safe to call on an idle scheduler.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
}

// Stop disarms the scheduler for good. Callbacks already running cannot re-arm it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	s.stopped = true
}

// Pending reports when the armed callback is due.
func (s *Scheduler) Pending() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline, s.timer != nil
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.deadline = time.Time{}
	s.mu.Unlock()

	s.fn()
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.deadline = time.Time{}
}
