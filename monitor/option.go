package monitor

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultPollInterval is the polling interval while not rate limited.
	DefaultPollInterval = 10 * time.Second
	// DefaultRateLimitedPollInterval is the faster interval used while a
	// cooldown is active.
	DefaultRateLimitedPollInterval = 2 * time.Second
)

type config struct {
	clock           clock.Clock
	normalInterval  time.Duration
	limitedInterval time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:           clock.New(),
		normalInterval:  DefaultPollInterval,
		limitedInterval: DefaultRateLimitedPollInterval,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClock sets the clock driving the poll timers. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithPollIntervals sets the polling intervals used while not rate limited
// and while rate limited.
//
// Defaults are 10s and 2s.
func WithPollIntervals(normal, limited time.Duration) Option {
	return func(cfg *config) error {
		if normal <= 0 || limited <= 0 {
			return fmt.Errorf("poll intervals must be positive: %s, %s", normal, limited)
		}
		cfg.normalInterval = normal
		cfg.limitedInterval = limited
		return nil
	}
}
