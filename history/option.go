package history

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultMaxEntries bounds the number of history entries kept.
	DefaultMaxEntries = 2000
	// defaultQuietPeriod is how long the cache waits after the last mutation
	// before persisting a snapshot.
	defaultQuietPeriod = 500 * time.Millisecond
)

type config struct {
	clock      clock.Clock
	maxEntries int
	quiet      time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		clock:      clock.New(),
		maxEntries: DefaultMaxEntries,
		quiet:      defaultQuietPeriod,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClock sets the clock used for lookup timestamps. Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithMaxEntries sets the bound on the number of history entries kept.
//
// Default is 2000.
func WithMaxEntries(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("max entries must be positive: %d", n)
		}
		cfg.maxEntries = n
		return nil
	}
}

// WithQuietPeriod sets the debounce quiet period for persistence. A mutation
// within the quiet period restarts it, so only the latest snapshot is ever
// written.
//
// Default is 500ms.
func WithQuietPeriod(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("quiet period must be positive: %s", d)
		}
		cfg.quiet = d
		return nil
	}
}
