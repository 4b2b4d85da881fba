package provider

import (
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/locfind/go-locfind/ratelimit"
)

const (
	// DefaultMinInterval is the minimum spacing between provider requests.
	DefaultMinInterval = 300 * time.Millisecond

	fetchTimeout = 10 * time.Second
	// defaultResetDelay is the cooldown applied to a 429 response that does
	// not carry a usable reset header.
	defaultResetDelay = time.Minute
)

type config struct {
	httpClient  *http.Client
	clock       clock.Clock
	state       *ratelimit.State
	minInterval time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		httpClient:  http.DefaultClient,
		clock:       clock.New(),
		minInterval: DefaultMinInterval,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClient sets the underlying HTTP client used for provider requests.
func WithClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.httpClient = c
		}
		return nil
	}
}

// WithClock sets the clock driving cooldowns and inter-request waits.
// Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithState injects the shared rate-limit state, so tests can construct
// isolated client instances and callers can share state across clients.
func WithState(s *ratelimit.State) Option {
	return func(cfg *config) error {
		cfg.state = s
		return nil
	}
}

// WithMinInterval sets the minimum spacing between provider requests. Zero
// disables the spacing wait entirely.
//
// Default is 300ms.
func WithMinInterval(d time.Duration) Option {
	return func(cfg *config) error {
		if d < 0 {
			return fmt.Errorf("min interval must not be negative: %s", d)
		}
		cfg.minInterval = d
		return nil
	}
}
