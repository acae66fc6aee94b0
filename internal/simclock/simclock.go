// Package simclock abstracts time for hardware polling loops. Production
// code sleeps on the wall clock; tests substitute a simulated clock and
// drive it explicitly, so cadence behavior is deterministic and fast.
package simclock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source a polling loop sleeps on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Wall is the real-time clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

func (Wall) After(d time.Duration) <-chan time.Time { return time.After(d) }

var _ Clock = Wall{}

// Sim is a manually advanced clock. Timers created by After fire only
// inside Advance (or under AutoRun), in deadline order, so a test controls
// exactly how much simulated time a sleeper experiences.
type Sim struct {
	mu       sync.Mutex
	cond     *sync.Cond
	now      time.Time
	timers   []simTimer
	stopping bool
}

var _ Clock = (*Sim)(nil)

type simTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewSim returns a simulated clock reading the given start time.
func NewSim(start time.Time) *Sim {
	s := &Sim{now: start}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Sim) After(d time.Duration) <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- s.now
		return ch
	}
	s.timers = append(s.timers, simTimer{deadline: s.now.Add(d), ch: ch})
	sort.SliceStable(s.timers, func(i, j int) bool {
		return s.timers[i].deadline.Before(s.timers[j].deadline)
	})
	s.cond.Broadcast()
	return ch
}

// Advance moves simulated time forward by d, firing every timer whose
// deadline is reached, in order. Each timer fires with the clock reading
// its own deadline, as a real timer would.
func (s *Sim) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.now.Add(d)
	for len(s.timers) > 0 && !s.timers[0].deadline.After(target) {
		t := s.timers[0]
		s.timers = s.timers[1:]
		s.now = t.deadline
		t.ch <- s.now
	}
	s.now = target
}

// Waiters reports how many timers are pending.
func (s *Sim) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// WaitForWaiters blocks until at least n timers are pending. Tests use it
// to know a worker has gone to sleep before advancing the clock.
func (s *Sim) WaitForWaiters(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.timers) < n {
		s.cond.Wait()
	}
}

// AutoRun fires timers as they appear, jumping simulated time to each next
// deadline. Code that sleeps on the clock then runs without real delays.
// The returned stop function blocks until the runner has exited; the clock
// is reusable afterwards.
func (s *Sim) AutoRun() (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.mu.Lock()
		defer s.mu.Unlock()
		for {
			for !s.stopping && len(s.timers) == 0 {
				s.cond.Wait()
			}
			if s.stopping {
				return
			}
			t := s.timers[0]
			s.timers = s.timers[1:]
			if t.deadline.After(s.now) {
				s.now = t.deadline
			}
			t.ch <- s.now
		}
	}()
	return func() {
		s.mu.Lock()
		s.stopping = true
		s.cond.Broadcast()
		s.mu.Unlock()
		<-done
		s.mu.Lock()
		s.stopping = false
		s.mu.Unlock()
	}
}
