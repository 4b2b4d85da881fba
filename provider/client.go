// Package provider implements the direct lookup client for the authoritative
// provider API. It enforces a minimum inter-request interval, records
// provider-issued rate-limit cooldowns from 429 responses, and offers
// sequential batch fetching that stops the moment a cooldown becomes active.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/locfind/go-locfind/apierror"
	"github.com/locfind/go-locfind/model"
	"github.com/locfind/go-locfind/ratelimit"
	"golang.org/x/time/rate"
)

var log = logging.Logger("provider")

var (
	// ErrAuth indicates missing or rejected credentials. The caller needs a
	// fresh session; retrying with the same one will not help.
	ErrAuth = errors.New("authentication required")
	// ErrRateLimited indicates an active cooldown. The request was not made,
	// or the provider answered 429.
	ErrRateLimited = errors.New("provider rate limited")
)

const (
	// queryID is the fixed GraphQL query identifier for the single-user
	// profile lookup.
	queryID   = "xcUeSrLy3F1cQoC5KnRgnQ"
	queryName = "UserResultByScreenName"

	graphqlPathPrefix = "i/api/graphql"
	resetHeader       = "x-rate-limit-reset"
)

// Client queries the provider API directly. All instances given the same
// rate-limit state share one cooldown and failure counter.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	clock       clock.Clock
	state       *ratelimit.State
	spacing     *rate.Limiter
	minInterval time.Duration
}

// New creates a provider client for the API at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
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

	spacing := rate.NewLimiter(rate.Inf, 1)
	if opts.minInterval > 0 {
		spacing = rate.NewLimiter(rate.Every(opts.minInterval), 1)
	}

	return &Client{
		baseURL:     u,
		httpClient:  opts.httpClient,
		clock:       opts.clock,
		state:       state,
		spacing:     spacing,
		minInterval: opts.minInterval,
	}, nil
}

// FetchUserInfo fetches the location record for one username. An incomplete
// session or an active cooldown yields no result without a network call.
// Otherwise the call waits out the minimum inter-request spacing and issues
// one request. Error kinds are explicit: ErrAuth for 401/403, ErrRateLimited
// for 429 and pre-existing cooldowns, a status-carrying error otherwise. A
// 404 and a profile with no usable location are both (nil, nil): a valid
// negative result.
func (c *Client) FetchUserInfo(ctx context.Context, username string, session model.Session) (*model.LocationEntry, error) {
	key := model.Canonical(username)
	if key == "" {
		return nil, nil
	}
	if !session.Valid() {
		return nil, ErrAuth
	}
	if _, active := c.state.Cooldown(); active {
		return nil, ErrRateLimited
	}

	if err := c.spacing.Wait(ctx); err != nil {
		return nil, err
	}
	c.state.MarkRequest()

	entry, err := c.doFetch(ctx, key, session)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (c *Client) doFetch(ctx context.Context, key string, session model.Session) (*model.LocationEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	variables, err := json.Marshal(map[string]string{"screen_name": key})
	if err != nil {
		return nil, err
	}
	u := c.baseURL.JoinPath(graphqlPathPrefix, queryID, queryName)
	u.RawQuery = url.Values{"variables": []string{string(variables)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	token := session.AuthToken
	if !strings.HasPrefix(token, "Bearer ") {
		token = "Bearer " + token
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("x-csrf-token", session.CSRFToken)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "ct0", Value: session.CSRFToken})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.state.Fail()
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.state.Fail()
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Needs re-login. No cooldown: this is not rate limiting.
		c.state.Fail()
		return nil, ErrAuth
	case resp.StatusCode == http.StatusNotFound:
		// Valid negative result, not a failure.
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.state.Fail()
		c.state.SetDeadline(c.resetDeadline(resp.Header.Get(resetHeader)))
		return nil, ErrRateLimited
	case resp.StatusCode/100 != 2:
		c.state.Fail()
		return nil, apierror.FromResponse(resp.StatusCode, body)
	}

	c.state.Succeed()

	var res struct {
		Data struct {
			UserResult struct {
				Result struct {
					AboutProfile struct {
						AccountBasedIn   string `json:"account_based_in"`
						Source           string `json:"source"`
						LocationAccurate bool   `json:"location_accurate"`
					} `json:"about_profile"`
				} `json:"result"`
			} `json:"user_result_by_screen_name"`
		} `json:"data"`
	}
	if err = json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	about := res.Data.UserResult.Result.AboutProfile
	if strings.TrimSpace(about.AccountBasedIn) == "" {
		// Missing essential fields are a negative result, not an error.
		return nil, nil
	}
	return &model.LocationEntry{
		Location:   about.AccountBasedIn,
		Device:     about.Source,
		IsAccurate: about.LocationAccurate,
		Timestamp:  c.clock.Now().UnixMilli(),
		Username:   key,
	}, nil
}

// resetDeadline parses the provider-supplied reset timestamp, in epoch
// seconds. A missing, unparsable, or past value defaults to one minute out.
func (c *Client) resetDeadline(header string) time.Time {
	now := c.clock.Now()
	if header != "" {
		if secs, err := strconv.ParseInt(header, 10, 64); err == nil {
			reset := time.Unix(secs, 0)
			if reset.After(now) {
				return reset
			}
		}
	}
	return now.Add(defaultResetDelay)
}

// LookupBatch fetches usernames sequentially, reporting progress before each
// attempt and stopping the whole batch without error the moment a cooldown
// becomes active. Failures and misses are silently skipped; the returned map
// holds only successes, keyed by lowercase username. Requests are spaced by
// twice the single-request interval.
func (c *Client) LookupBatch(ctx context.Context, usernames []string, session model.Session, onProgress func(index, total int, username string)) (map[string]model.LocationEntry, error) {
	results := make(map[string]model.LocationEntry)
	total := len(usernames)
	for i, username := range usernames {
		if _, active := c.state.Cooldown(); active {
			break
		}
		if onProgress != nil {
			onProgress(i, total, username)
		}
		entry, err := c.FetchUserInfo(ctx, username, session)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			log.Debugw("Batch lookup skipping username", "username", username, "err", err)
		} else if entry != nil {
			results[model.Canonical(username)] = *entry
		}
		if i < total-1 {
			if err = c.batchWait(ctx); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// BatchResult is the per-username outcome of LookupBatchWithDetails. Found is
// false when the username resolved to nothing: not found, failed, or skipped
// because the batch stopped on a cooldown.
type BatchResult struct {
	Username string
	Data     *model.LocationEntry
	Found    bool
}

// LookupBatchWithDetails is the same traversal as LookupBatch but returns one
// result per input username, order preserved. This is the only path that
// reports per-username outcome including omissions.
func (c *Client) LookupBatchWithDetails(ctx context.Context, usernames []string, session model.Session, onProgress func(index, total int, username string)) ([]BatchResult, error) {
	results := make([]BatchResult, len(usernames))
	for i, username := range usernames {
		results[i] = BatchResult{Username: model.Canonical(username)}
	}
	total := len(usernames)
	for i, username := range usernames {
		if _, active := c.state.Cooldown(); active {
			break
		}
		if onProgress != nil {
			onProgress(i, total, username)
		}
		entry, err := c.FetchUserInfo(ctx, username, session)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
		} else if entry != nil {
			results[i].Data = entry
			results[i].Found = true
		}
		if i < total-1 {
			if err = c.batchWait(ctx); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// batchWait applies the larger inter-request spacing used between batch
// items.
func (c *Client) batchWait(ctx context.Context) error {
	if c.minInterval <= 0 {
		return nil
	}
	t := c.clock.Timer(2 * c.minInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RateLimitStatus derives the current rate-limit status from the shared
// state.
func (c *Client) RateLimitStatus() model.RateLimitStatus {
	return c.state.Status()
}

// ClearRateLimit is an administrative reset of the cooldown and failure
// counter, for out-of-band recovery and tests.
func (c *Client) ClearRateLimit() {
	c.state.Clear()
}

func parseURL(su string) (*url.URL, error) {
	if !strings.HasPrefix(su, "http://") && !strings.HasPrefix(su, "https://") {
		su = "https://" + su
	}
	return url.Parse(su)
}
