package cloud

import (
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/locfind/go-locfind/ratelimit"
)

const (
	// DefaultContributeDelay is the quiet period after the last contribution
	// before a flush is triggered.
	DefaultContributeDelay = 3 * time.Second
	// DefaultBatchSize is the queue length that triggers an immediate flush.
	DefaultBatchSize = 25
	// DefaultRequestsPerMinute is the shared lookup/contribute request budget.
	DefaultRequestsPerMinute = 10

	lookupTimeout     = 8 * time.Second
	contributeTimeout = 10 * time.Second
	statsTimeout      = 5 * time.Second
)

type config struct {
	httpClient        *http.Client
	clock             clock.Clock
	state             *ratelimit.State
	contributeDelay   time.Duration
	batchSize         int
	requestsPerMinute int
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		httpClient:        http.DefaultClient,
		clock:             clock.New(),
		contributeDelay:   DefaultContributeDelay,
		batchSize:         DefaultBatchSize,
		requestsPerMinute: DefaultRequestsPerMinute,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithClient sets the underlying HTTP client used for cloud cache requests.
func WithClient(c *http.Client) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.httpClient = c
		}
		return nil
	}
}

// WithClock sets the clock driving timers, cooldowns, and the request budget.
// Intended for tests.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithState injects the rate-limit state, allowing tests to construct
// isolated instances or share state across clients.
func WithState(s *ratelimit.State) Option {
	return func(cfg *config) error {
		cfg.state = s
		return nil
	}
}

// WithContributeDelay sets the quiet period before a flush.
//
// Default is 3 seconds.
func WithContributeDelay(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("contribute delay must be positive: %s", d)
		}
		cfg.contributeDelay = d
		return nil
	}
}

// WithBatchSize sets the queue length that triggers an immediate flush.
//
// Default is 25.
func WithBatchSize(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("batch size must be positive: %d", n)
		}
		cfg.batchSize = n
		return nil
	}
}

// WithRequestsPerMinute sets the per-minute request budget shared by lookups
// and contribution flushes.
//
// Default is 10.
func WithRequestsPerMinute(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("requests per minute must be positive: %d", n)
		}
		cfg.requestsPerMinute = n
		return nil
	}
}
