package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Scheduler calls fn once after an initial delay and then every period.
// Calls never overlap: the next one is armed only after fn returns.
type Scheduler struct {
	clock  clock.Clock
	due    time.Duration
	period time.Duration
	fn     func()
	log    *zap.Logger

	mu      sync.Mutex
	timer   clock.Timer
	armed   uint64 // bumped every time the timer is (re)armed
	waiting uint64 // the arming the loop will act on
	running bool
	stopped bool
	stopCh  chan struct{}
}

func New(clk clock.Clock, due, period time.Duration, fn func(), log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		clock:  clk,
		due:    due,
		period: period,
		fn:     fn,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Start arms the timer and runs the loop in a background goroutine.
// Calling Start more than once, or after Stop, does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil || s.stopped {
		return
	}
	s.timer = s.clock.NewTimer(s.due)
	s.armed++
	s.waiting = s.armed
	go s.loop(s.timer)
	s.log.Info("scheduler_started", zap.Duration("due", s.due), zap.Duration("period", s.period))
}

func (s *Scheduler) loop(t clock.Timer) {
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C():
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		// Fired for an arming that Change has since replaced.
		if s.armed != s.waiting {
			s.waiting = s.armed
			s.mu.Unlock()
			continue
		}
		s.running = true
		s.mu.Unlock()

		s.fn()

		s.mu.Lock()
		s.running = false
		if s.stopped {
			s.mu.Unlock()
			return
		}
		if s.armed == s.waiting {
			t.Reset(s.period)
			s.armed++
		}
		s.waiting = s.armed
		s.mu.Unlock()
	}
}

// Change makes the next call happen after due; later calls resume the period.
// It is safe to call from inside fn.
func (s *Scheduler) Change(due time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil || s.stopped {
		return
	}
	consumed := false
	if !s.timer.Stop() {
		select {
		case <-s.timer.C():
		default:
			consumed = true
		}
	}
	s.timer.Reset(due)
	s.armed++
	// Unless the loop already holds a fire (or is inside fn), it simply waits
	// for the new arming.
	if !consumed && !s.running {
		s.waiting = s.armed
	}
	s.log.Info("scheduler_rescheduled", zap.Duration("due", due))
}

// Stop halts future calls. A call already running is left to finish.
// Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.stopCh)
	s.log.Info("scheduler_stopped")
}

// Stopped reports whether Stop has been called.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
