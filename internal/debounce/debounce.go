package debounce

import (
	"sync"
	"time"
)

// Scheduler coalesces bursts of Trigger calls into one trailing run of op.
// When built with a ceiling, op also runs at least once every maxWait while
// triggers keep arriving.
type Scheduler struct {
	op      func()
	delay   time.Duration
	maxWait time.Duration

	mu       sync.Mutex
	cycle    uint64
	quietSeq uint64
	quiet    *time.Timer
	ceiling  *time.Timer
}

func New(op func(), delay time.Duration) *Scheduler {
	return NewWithCeiling(op, delay, 0)
}

func NewWithCeiling(op func(), delay, maxWait time.Duration) *Scheduler {
	if op == nil {
		op = func() {}
	}
	if delay < 0 {
		delay = 0
	}
	if maxWait < 0 {
		maxWait = 0
	}
	return &Scheduler{
		op:      op,
		delay:   delay,
		maxWait: maxWait,
	}
}

// Trigger re-arms the quiet timer. The first trigger of a burst also arms the
// ceiling timer. op is never called from inside Trigger.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quiet != nil {
		s.quiet.Stop()
	}
	s.quietSeq++
	cycle, seq := s.cycle, s.quietSeq
	s.quiet = time.AfterFunc(s.delay, func() {
		s.fire(cycle, seq, false)
	})
	if s.maxWait > 0 && s.ceiling == nil {
		s.ceiling = time.AfterFunc(s.maxWait, func() {
			s.fire(cycle, 0, true)
		})
	}
}

// Cancel drops any pending execution. A later Trigger starts a new cycle.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quiet != nil || s.ceiling != nil
}

func (s *Scheduler) fire(cycle, seq uint64, fromCeiling bool) {
	s.mu.Lock()
	// A timer can fire after losing a race with Cancel, with a newer Trigger,
	// or with the other timer of the same cycle.
	if cycle != s.cycle || (!fromCeiling && seq != s.quietSeq) {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	s.mu.Unlock()

	s.op()
}

func (s *Scheduler) resetLocked() {
	if s.quiet != nil {
		s.quiet.Stop()
		s.quiet = nil
	}
	if s.ceiling != nil {
		s.ceiling.Stop()
		s.ceiling = nil
	}
	s.cycle++
}
