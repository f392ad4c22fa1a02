// Package scheduler owns injection timing: bursts of re-injection requests
// collapse into a single trailing call, at most one injection fires per
// minimum interval, and requests arriving while a video assignment is in
// flight are dropped outright.
package scheduler

import (
	"sync"
	"time"

	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/shared/clock"
)

// DefaultMinInterval is the minimum spacing between two actual injections.
const DefaultMinInterval = 300 * time.Millisecond

// Guard vetoes injection while a mutually-exclusive operation runs.
// Satisfied by device.AssignmentGuard.
type Guard interface {
	Held() bool
}

// Action is the outcome of the pure debounce decision.
type Action int

const (
	// ActionImmediate fires the injection now.
	ActionImmediate Action = iota
	// ActionDefer schedules a trailing call for the remaining interval,
	// replacing any previously scheduled one.
	ActionDefer
)

// Decide is the pure debounce reducer: given the current time and the last
// actual fire time, it picks the action. Exposed separately so the policy
// is testable without timers.
func Decide(now, lastFire time.Time, minInterval time.Duration) (Action, time.Duration) {
	elapsed := now.Sub(lastFire)
	if lastFire.IsZero() || elapsed >= minInterval {
		return ActionImmediate, 0
	}
	return ActionDefer, minInterval - elapsed
}

// Scheduler coalesces injection requests. The inject callback is invoked
// outside the scheduler lock; it reflects the decision current at fire
// time, not at the time of the earliest request in a burst.
type Scheduler struct {
	clock    clock.Clock
	guard    Guard
	interval time.Duration
	inject   func()
	logger   *logging.Logger

	mu       sync.Mutex
	lastFire time.Time
	pending  clock.Timer
	closed   bool
}

// New creates a scheduler. A zero interval selects the default.
func New(interval time.Duration, clk clock.Clock, guard Guard, inject func(), logger *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Scheduler{
		clock:    clk,
		guard:    guard,
		interval: interval,
		inject:   inject,
		logger:   logger,
	}
}

// RequestInjection asks for a (re-)injection. Safe to call from any
// number of triggers. While the guard is held the request is dropped, not
// queued; the operation releasing the guard triggers a fresh request.
func (s *Scheduler) RequestInjection() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.guard != nil && s.guard.Held() {
		s.mu.Unlock()
		s.logger.Debug("Injection request dropped, assignment in progress")
		return
	}

	now := s.clock.Now()
	action, remaining := Decide(now, s.lastFire, s.interval)

	switch action {
	case ActionImmediate:
		s.lastFire = now
		s.mu.Unlock()
		s.inject()
	case ActionDefer:
		// Last writer wins: replace any scheduled trailing call.
		if s.pending != nil {
			s.pending.Stop()
		}
		s.pending = s.clock.AfterFunc(remaining, s.fireDeferred)
		s.mu.Unlock()
	}
}

// fireDeferred runs the coalesced trailing injection.
func (s *Scheduler) fireDeferred() {
	s.mu.Lock()
	s.pending = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.guard != nil && s.guard.Held() {
		s.mu.Unlock()
		s.logger.Debug("Deferred injection dropped, assignment in progress")
		return
	}
	s.lastFire = s.clock.Now()
	s.mu.Unlock()
	s.inject()
}

// PendingDeferred reports whether a trailing call is scheduled.
func (s *Scheduler) PendingDeferred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// LastInjection returns the time of the last actual injection.
func (s *Scheduler) LastInjection() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFire
}

// Close cancels any scheduled trailing call and rejects new requests.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}
