// Package cloud implements the client for the shared, community-populated
// location cache: a rate-limited lookup path and a batched, backoff-aware
// contribution queue. Lookup failures never surface to the caller; a failed
// contribution flush re-queues its entries and retries after backoff, so no
// contribution is silently lost to a transient failure.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"
	"github.com/locfind/go-locfind/apierror"
	"github.com/locfind/go-locfind/model"
	"github.com/locfind/go-locfind/ratelimit"
	"github.com/locfind/go-locfind/store"
)

var log = logging.Logger("cloud")

const (
	// StatsKey is the durable store key holding the persisted usage counters.
	StatsKey = "cloud_stats"
	// EnabledKey is the durable store key holding the opt-in flag.
	EnabledKey = "cloud_enabled"

	// MaxUsernameLen is the longest username accepted for contribution.
	MaxUsernameLen = 50

	lookupPath     = "lookup"
	contributePath = "contribute"
	statsPath      = "stats"
)

// Client talks to the shared cloud cache. It batches opt-in contributions,
// rate-limits lookups with a shared per-minute budget, and tracks usage
// counters persisted under its own store keys.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	statsClient *retryablehttp.Client
	store       store.Store
	clock       clock.Clock
	state       *ratelimit.State
	window      *ratelimit.Window

	contributeDelay time.Duration
	batchSize       int

	loadOnce sync.Once

	mu         sync.Mutex
	enabled    bool
	stats      model.CloudStats
	queue      map[string]model.CloudEntry
	flushTimer *clock.Timer
	closed     bool
}

// New creates a cloud cache client for the service at baseURL, persisting its
// opt-in flag and usage counters in st.
func New(baseURL string, st store.Store, options ...Option) (*Client, error) {
	if st == nil {
		return nil, errors.New("cloud client requires a store")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	u, err := parseURL(baseURL)
	if err != nil {
		return nil, err
	}
	state := opts.state
	if state == nil {
		state = ratelimit.NewState(opts.clock)
	}

	// Stats reads are best-effort; retry them a couple of times instead of
	// feeding the backoff machinery.
	statsClient := retryablehttp.NewClient()
	statsClient.HTTPClient = opts.httpClient
	statsClient.RetryMax = 2
	statsClient.RetryWaitMin = 250 * time.Millisecond
	statsClient.RetryWaitMax = time.Second
	statsClient.Logger = nil

	return &Client{
		baseURL:         u,
		httpClient:      opts.httpClient,
		statsClient:     statsClient,
		store:           st,
		clock:           opts.clock,
		state:           state,
		window:          ratelimit.NewWindow(opts.requestsPerMinute, opts.clock),
		contributeDelay: opts.contributeDelay,
		batchSize:       opts.batchSize,
		queue:           make(map[string]model.CloudEntry),
	}, nil
}

// Load restores the opt-in flag and usage counters from the store. It is
// idempotent and single-flight; missing or corrupt data leaves defaults in
// place and is never an error.
func (c *Client) Load(ctx context.Context) {
	c.loadOnce.Do(func() {
		if data, err := c.store.Get(ctx, EnabledKey); err == nil {
			enabled := string(data) == "true"
			c.mu.Lock()
			c.enabled = enabled
			c.mu.Unlock()
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Warnw("Cannot read cloud enabled flag", "err", err)
		}

		data, err := c.store.Get(ctx, StatsKey)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Warnw("Cannot read cloud stats", "err", err)
			}
			return
		}
		var stats model.CloudStats
		if err = json.Unmarshal(data, &stats); err != nil {
			log.Warnw("Corrupt cloud stats, starting fresh", "err", err)
			return
		}
		c.mu.Lock()
		c.stats = stats
		c.mu.Unlock()
	})
}

// SetEnabled flips the contribution/lookup opt-in flag and persists it.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	val := "false"
	if enabled {
		val = "true"
	}
	return c.store.Put(ctx, EnabledKey, []byte(val))
}

// Enabled reports whether cloud cache use is opted in.
func (c *Client) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Stats returns a snapshot of the usage counters.
func (c *Client) Stats() model.CloudStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// QueueLen returns the number of contributions waiting to be flushed.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Contribute queues a location record for upload. It is a silent no-op unless
// contribution is enabled, the username fits the length bound, and the entry
// carries a location. A newer contribution for the same username overwrites
// the queued one. Reaching the batch size triggers an immediate flush;
// otherwise the delay timer is reset so a burst of contributions coalesces
// into one batch.
func (c *Client) Contribute(username string, entry model.LocationEntry) {
	key := model.Canonical(username)
	ce, ok := model.NewCloudEntry(entry)
	if !ok || key == "" || len(key) > MaxUsernameLen {
		return
	}
	if ce.T == 0 {
		ce.T = c.clock.Now().Unix()
	}

	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.queue[key] = ce
	if len(c.queue) >= c.batchSize {
		c.stopFlushTimerLocked()
		c.mu.Unlock()
		go c.Flush(context.Background())
		return
	}
	c.scheduleFlushLocked(c.contributeDelay)
	c.mu.Unlock()
}

// Flush drains the queue into one batched upload. With an active cooldown or
// an exhausted request budget, nothing is drained and the flush reschedules
// itself. On upload failure all drained entries return to the queue, except
// where a newer contribution arrived during the attempt - the newer entry
// wins - and a retry is scheduled after exponential backoff.
func (c *Client) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	if remaining, active := c.state.Cooldown(); active {
		c.scheduleFlushLocked(remaining + time.Second)
		c.mu.Unlock()
		return
	}
	if !c.window.Allow() {
		c.scheduleFlushLocked(time.Minute)
		c.mu.Unlock()
		return
	}
	batch := c.queue
	c.queue = make(map[string]model.CloudEntry)
	c.mu.Unlock()

	accepted, err := c.postContributions(ctx, batch)
	if err != nil {
		c.restoreBatch(batch)
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		delay := c.state.FailWithBackoff()
		c.mu.Lock()
		c.scheduleFlushLocked(delay)
		c.mu.Unlock()
		log.Warnw("Contribution flush failed, rescheduled", "entries", len(batch), "delay", delay, "err", err)
		return
	}

	c.mu.Lock()
	c.stats.Contributions += accepted
	c.stats.LastContribution = c.clock.Now().UnixMilli()
	c.mu.Unlock()
	c.state.Succeed()
	if err = c.persistStats(ctx); err != nil {
		log.Warnw("Cannot persist cloud stats", "err", err)
	}
}

// restoreBatch re-merges a failed batch into the queue. An entry contributed
// while the upload was in flight is newer than its drained counterpart and is
// kept.
func (c *Client) restoreBatch(batch map[string]model.CloudEntry) {
	c.mu.Lock()
	for key, entry := range batch {
		if _, exists := c.queue[key]; !exists {
			c.queue[key] = entry
		}
	}
	c.mu.Unlock()
}

// Lookup queries the cloud cache for a single username. It returns nil - a
// miss - when cooling down, when the request budget is exhausted, when the
// server has no usable record, and on any network or parse failure. Failures
// feed the shared backoff state but never reach the caller.
func (c *Client) Lookup(ctx context.Context, username string) *model.LocationEntry {
	key := model.Canonical(username)
	if key == "" {
		return nil
	}
	if _, active := c.state.Cooldown(); active {
		return nil
	}
	if !c.window.Allow() {
		return nil
	}
	c.mu.Lock()
	c.stats.Lookups++
	c.mu.Unlock()

	entry, err := c.doLookup(ctx, key)

	c.mu.Lock()
	switch {
	case err != nil:
		c.stats.Errors++
	case entry == nil:
		c.stats.Misses++
	default:
		c.stats.Hits++
	}
	c.mu.Unlock()

	if err != nil {
		c.state.FailWithBackoff()
		log.Debugw("Cloud lookup failed", "username", key, "err", err)
	}
	if perr := c.persistStats(ctx); perr != nil {
		log.Warnw("Cannot persist cloud stats", "err", perr)
	}
	return entry
}

func (c *Client) doLookup(ctx context.Context, key string) (*model.LocationEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	u := c.baseURL.JoinPath(lookupPath)
	u.RawQuery = url.Values{"users": []string{key}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.FromResponse(resp.StatusCode, body)
	}

	var res struct {
		Results map[string]model.CloudEntry `json:"results"`
	}
	if err = json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	ce, ok := res.Results[key]
	if !ok {
		return nil, nil
	}

	// Response fields are community supplied and untrusted.
	location := Sanitize(ce.L)
	if location == "" {
		return nil, nil
	}
	return &model.LocationEntry{
		Location:   location,
		Device:     Sanitize(ce.D),
		IsAccurate: ce.A,
		Timestamp:  ce.T * 1000,
		FromCloud:  true,
		Username:   key,
	}, nil
}

// FetchServerStats reads the aggregate server counters. Best-effort: any
// failure yields nil, never an error.
func (c *Client) FetchServerStats(ctx context.Context) *model.ServerStats {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequest(http.MethodGet, c.baseURL.JoinPath(statsPath).String(), nil)
	if err != nil {
		return nil
	}
	resp, err := c.statsClient.Do(req.WithContext(ctx))
	if err != nil {
		log.Debugw("Cannot fetch cloud server stats", "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var stats model.ServerStats
	if err = json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		log.Debugw("Cannot decode cloud server stats", "err", err)
		return nil
	}
	return &stats
}

// Close makes a final synchronous attempt to upload any queued contributions
// and persist the usage counters. Errors from both are aggregated; the queue
// keeps entries whose upload failed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.stopFlushTimerLocked()
	var batch map[string]model.CloudEntry
	if len(c.queue) > 0 {
		batch = c.queue
		c.queue = make(map[string]model.CloudEntry)
	}
	c.mu.Unlock()

	var errs error
	if len(batch) > 0 {
		accepted, err := c.postContributions(context.Background(), batch)
		if err != nil {
			c.restoreBatch(batch)
			errs = multierror.Append(errs, err)
		} else {
			c.mu.Lock()
			c.stats.Contributions += accepted
			c.stats.LastContribution = c.clock.Now().UnixMilli()
			c.mu.Unlock()
		}
	}
	if err := c.persistStats(context.Background()); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

func (c *Client) postContributions(ctx context.Context, batch map[string]model.CloudEntry) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, contributeTimeout)
	defer cancel()

	payload, err := json.Marshal(struct {
		Entries map[string]model.CloudEntry `json:"entries"`
	}{Entries: batch})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath(contributePath).String(), bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode/100 != 2 {
		return 0, apierror.FromResponse(resp.StatusCode, body)
	}

	var out struct {
		Accepted *int64 `json:"accepted"`
	}
	if err = json.Unmarshal(body, &out); err == nil && out.Accepted != nil {
		return *out.Accepted, nil
	}
	// Server did not report an accepted count; assume the whole batch.
	return int64(len(batch)), nil
}

func (c *Client) persistStats(ctx context.Context) error {
	c.mu.Lock()
	data, err := json.Marshal(c.stats)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.store.Put(ctx, StatsKey, data)
}

// scheduleFlushLocked replaces any pending flush timer. Callers hold c.mu. No
// timer is started on a closed client: a flush failing concurrently with
// Close keeps its entries queued but must not leave a live retry timer.
func (c *Client) scheduleFlushLocked(d time.Duration) {
	if c.closed {
		return
	}
	c.stopFlushTimerLocked()
	c.flushTimer = c.clock.AfterFunc(d, func() {
		c.Flush(context.Background())
	})
}

func (c *Client) stopFlushTimerLocked() {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
}

func parseURL(su string) (*url.URL, error) {
	if !strings.HasPrefix(su, "http://") && !strings.HasPrefix(su, "https://") {
		su = "https://" + su
	}
	return url.Parse(su)
}
