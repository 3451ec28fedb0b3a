package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitForCount(t *testing.T, counter *int32, want int32, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(counter) >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected at least %d runs within %s, got %d", want, within, atomic.LoadInt32(counter))
}

func TestSchedulerCoalescesBurstIntoSingleRun(t *testing.T) {
	var runs int32
	s := New(func() { atomic.AddInt32(&runs, 1) }, 30*time.Millisecond)

	for i := 0; i < 10; i++ {
		s.Trigger()
		time.Sleep(2 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Fatalf("expected no run during burst, got %d", got)
	}

	waitForCount(t, &runs, 1, time.Second)
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("expected exactly one trailing run, got %d", got)
	}
	if s.Pending() {
		t.Fatalf("expected scheduler to be idle after run")
	}
}

func TestSchedulerNeverRunsSynchronously(t *testing.T) {
	var runs int32
	s := New(func() { atomic.AddInt32(&runs, 1) }, 0)
	s.Trigger()
	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Fatalf("expected trigger to return before op runs, got %d runs", got)
	}
	waitForCount(t, &runs, 1, time.Second)
}

func TestSchedulerCancelSuppressesPendingRun(t *testing.T) {
	var runs int32
	s := New(func() { atomic.AddInt32(&runs, 1) }, 20*time.Millisecond)
	s.Trigger()
	if !s.Pending() {
		t.Fatalf("expected pending run after trigger")
	}
	s.Cancel()
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 0 {
		t.Fatalf("expected cancel to suppress run, got %d", got)
	}

	s.Trigger()
	waitForCount(t, &runs, 1, time.Second)
}

func TestSchedulerCeilingForcesRunUnderContinuousTriggers(t *testing.T) {
	var runs int32
	s := NewWithCeiling(func() { atomic.AddInt32(&runs, 1) }, 40*time.Millisecond, 100*time.Millisecond)
	defer s.Cancel()

	stop := time.Now().Add(260 * time.Millisecond)
	for time.Now().Before(stop) {
		s.Trigger()
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&runs); got < 2 {
		t.Fatalf("expected ceiling to force at least 2 runs during continuous triggering, got %d", got)
	}
}

func TestSchedulerCeilingResetsAfterQuietRun(t *testing.T) {
	var runs int32
	s := NewWithCeiling(func() { atomic.AddInt32(&runs, 1) }, 10*time.Millisecond, 80*time.Millisecond)

	s.Trigger()
	waitForCount(t, &runs, 1, time.Second)
	// The ceiling timer of the finished cycle must not produce a second run.
	time.Sleep(120 * time.Millisecond)
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("expected one run per cycle, got %d", got)
	}
}
