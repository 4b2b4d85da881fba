// Package ratelimit tracks cooldown deadlines and consecutive-failure
// counters for a lookup source, and computes the exponential backoff applied
// between retries. State is always derived at read time from the clock; a
// cooldown expires by the clock passing its deadline, never by an explicit
// clear.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/locfind/go-locfind/model"
)

const (
	backoffBase = time.Second
	// BackoffMax caps the delay between retry attempts.
	BackoffMax = 30 * time.Second
)

// Backoff returns the retry delay after the given number of consecutive
// failures: min(1s << failures, 30s).
func Backoff(consecutiveFailures int) time.Duration {
	if consecutiveFailures < 0 {
		consecutiveFailures = 0
	}
	if consecutiveFailures >= 5 {
		return BackoffMax
	}
	d := backoffBase << uint(consecutiveFailures)
	if d > BackoffMax {
		d = BackoffMax
	}
	return d
}

// State holds the shared rate-limit state for one lookup source: the time of
// the last request, the cooldown deadline, and the consecutive-failure
// counter. A State is created implicitly zeroed and updated by every
// response. Safe for concurrent use.
type State struct {
	mu            sync.Mutex
	clock         clock.Clock
	lastRequest   time.Time
	resetDeadline time.Time
	failures      int
}

// NewState creates rate-limit state driven by the given clock. A nil clock
// uses the real time.
func NewState(c clock.Clock) *State {
	if c == nil {
		c = clock.New()
	}
	return &State{clock: c}
}

// MarkRequest records the time of an outgoing request.
func (s *State) MarkRequest() {
	s.mu.Lock()
	s.lastRequest = s.clock.Now()
	s.mu.Unlock()
}

// LastRequest returns the time of the most recent outgoing request.
func (s *State) LastRequest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

// Fail increments the consecutive-failure counter without starting a
// cooldown. Used for failures that must not delay future requests, such as
// authentication errors.
func (s *State) Fail() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

// FailWithBackoff increments the consecutive-failure counter and starts a
// cooldown of the corresponding backoff delay. The first failure waits one
// second, doubling per failure up to BackoffMax. Returns the applied delay.
func (s *State) FailWithBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	delay := Backoff(s.failures - 1)
	s.resetDeadline = s.clock.Now().Add(delay)
	return delay
}

// Succeed resets the failure counter and clears any cooldown.
func (s *State) Succeed() {
	s.mu.Lock()
	s.failures = 0
	s.resetDeadline = time.Time{}
	s.mu.Unlock()
}

// SetDeadline sets an explicit cooldown deadline, typically one reported by
// the provider in a 429 response.
func (s *State) SetDeadline(t time.Time) {
	s.mu.Lock()
	s.resetDeadline = t
	s.mu.Unlock()
}

// Cooldown returns the remaining cooldown and whether one is active.
func (s *State) Cooldown() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if s.resetDeadline.After(now) {
		return s.resetDeadline.Sub(now), true
	}
	return 0, false
}

// Failures returns the current consecutive-failure count.
func (s *State) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Clear is an administrative reset of the cooldown and failure counter. It is
// not part of the normal request flow.
func (s *State) Clear() {
	s.mu.Lock()
	s.failures = 0
	s.resetDeadline = time.Time{}
	s.mu.Unlock()
}

// Status derives the externally visible rate-limit status at the current
// instant.
func (s *State) Status() model.RateLimitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if !s.resetDeadline.After(now) {
		return model.RateLimitStatus{}
	}
	return model.RateLimitStatus{
		IsRateLimited: true,
		ResetTime:     s.resetDeadline,
		Remaining:     s.resetDeadline.Sub(now),
	}
}

// Window is a fixed-window request budget: at most limit requests per minute,
// with the counter reset when the window rolls over. Safe for concurrent use.
type Window struct {
	mu        sync.Mutex
	clock     clock.Clock
	limit     int
	windowEnd time.Time
	count     int
}

// NewWindow creates a per-minute request budget. A nil clock uses the real
// time.
func NewWindow(limit int, c clock.Clock) *Window {
	if c == nil {
		c = clock.New()
	}
	return &Window{clock: c, limit: limit}
}

// Allow consumes one request from the budget, reporting false when the
// current window is exhausted.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	if !now.Before(w.windowEnd) {
		w.windowEnd = now.Add(time.Minute)
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

// Remaining returns how many requests are left in the current window.
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.clock.Now().Before(w.windowEnd) {
		return w.limit
	}
	left := w.limit - w.count
	if left < 0 {
		return 0
	}
	return left
}
