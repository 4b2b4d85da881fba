// Package monitor polls a provider client's rate-limit status on an adaptive
// schedule and exposes a dismissible UI-facing signal. Polling speeds up
// while a cooldown is active so the UI clears promptly when it expires.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/channelqueue"
	"github.com/locfind/go-locfind/model"
)

// StatusSource supplies the derived rate-limit status to poll.
type StatusSource interface {
	RateLimitStatus() model.RateLimitStatus
}

// Monitor periodically samples a StatusSource. The externally visible signal
// is "rate limited and not dismissed"; a dismissal lasts until a new cooldown
// deadline appears or the limited state clears.
type Monitor struct {
	source          StatusSource
	clock           clock.Clock
	normalInterval  time.Duration
	limitedInterval time.Duration

	mu        sync.Mutex
	status    model.RateLimitStatus
	dismissed bool
	lastReset time.Time
	subs      map[chan<- model.RateLimitStatus]struct{}
	closed    bool

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a monitor and starts its poll loop. The source is sampled once
// immediately so the initial status is current.
func New(source StatusSource, options ...Option) (*Monitor, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		source:          source,
		clock:           opts.clock,
		normalInterval:  opts.normalInterval,
		limitedInterval: opts.limitedInterval,
		subs:            make(map[chan<- model.RateLimitStatus]struct{}),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	m.poll()
	go m.run()
	return m, nil
}

func (m *Monitor) run() {
	defer close(m.done)
	timer := m.clock.Timer(m.interval())
	defer timer.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-timer.C:
			m.poll()
			// The interval tracks the state seen by this poll, so the timer
			// switches the instant the limited state flips.
			timer.Reset(m.interval())
		}
	}
}

func (m *Monitor) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.IsRateLimited {
		return m.limitedInterval
	}
	return m.normalInterval
}

func (m *Monitor) poll() {
	st := m.source.RateLimitStatus()

	m.mu.Lock()
	prev := m.status
	if st.IsRateLimited {
		if !st.ResetTime.Equal(m.lastReset) {
			// A new cooldown deadline invalidates any dismissal.
			m.dismissed = false
			m.lastReset = st.ResetTime
		}
	} else {
		if prev.IsRateLimited {
			m.dismissed = false
		}
		m.lastReset = time.Time{}
	}
	m.status = st

	if st.IsRateLimited != prev.IsRateLimited || !st.ResetTime.Equal(prev.ResetTime) {
		for ch := range m.subs {
			ch <- st
		}
	}
	m.mu.Unlock()
}

// Status returns the most recently polled rate-limit status.
func (m *Monitor) Status() model.RateLimitStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Visible reports whether the rate-limit signal should be shown: rate
// limited and not dismissed.
func (m *Monitor) Visible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsRateLimited && !m.dismissed
}

// Dismiss suppresses the visible signal until a new cooldown deadline
// appears or the limited state clears.
func (m *Monitor) Dismiss() {
	m.mu.Lock()
	m.dismissed = true
	m.mu.Unlock()
}

// OnStatusChange returns a channel delivering each status change, and a
// function to cancel the subscription. The channel is buffered so a slow
// reader does not stall polling. Subscribing to a closed monitor yields an
// already-closed channel.
func (m *Monitor) OnStatusChange() (<-chan model.RateLimitStatus, context.CancelFunc) {
	cq := channelqueue.New[model.RateLimitStatus](-1)
	in := cq.In()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(in)
		return cq.Out(), func() {}
	}
	m.subs[in] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[in]; ok {
			delete(m.subs, in)
			close(in)
		}
		m.mu.Unlock()
	}
	return cq.Out(), cancel
}

// Close stops the poll loop and closes all subscription channels.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
		<-m.done

		m.mu.Lock()
		m.closed = true
		for ch := range m.subs {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	})
}
