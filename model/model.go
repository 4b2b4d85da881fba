// Package model defines the data types shared by the lookup history, cloud
// cache, and provider clients.
package model

import (
	"strings"
	"time"
)

// Mode identifies how a lookup was initiated.
type Mode string

const (
	ModeManual   Mode = "manual"
	ModeAuto     Mode = "auto"
	ModeDeepLink Mode = "deeplink"
)

// LocationEntry is a resolved location record for a username. It is immutable
// once produced by a lookup client.
type LocationEntry struct {
	// Location is the free-text location reported for the account.
	Location string `json:"location"`
	// Device is the source or device string the provider reported alongside
	// the location.
	Device string `json:"device"`
	// IsAccurate reports whether the provider considers the location accurate.
	IsAccurate bool `json:"isAccurate"`
	// Timestamp is when the record was produced, in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
	// FromCloud is true when the record came from the shared cloud cache
	// rather than the provider.
	FromCloud bool `json:"fromCloud"`
	// Username is the canonical lowercase username, when known.
	Username string `json:"username,omitempty"`
}

// HistoryEntry is one past lookup kept in the local history. Uniqueness of
// usernames is enforced by the history cache, not by this type.
type HistoryEntry struct {
	Username   string        `json:"username"`
	Data       LocationEntry `json:"data"`
	LookupTime int64         `json:"lookupTime"`
	Mode       Mode          `json:"mode"`
}

// CloudEntry is the wire-compact form of a location record sent to and
// received from the shared cloud cache.
type CloudEntry struct {
	L string `json:"l"`
	D string `json:"d"`
	A bool   `json:"a"`
	T int64  `json:"t"` // epoch seconds
}

// NewCloudEntry converts a location entry to its wire form. It reports false
// when the entry has no location and must not be contributed.
func NewCloudEntry(e LocationEntry) (CloudEntry, bool) {
	if strings.TrimSpace(e.Location) == "" {
		return CloudEntry{}, false
	}
	return CloudEntry{
		L: e.Location,
		D: e.Device,
		A: e.IsAccurate,
		T: e.Timestamp / 1000,
	}, true
}

// ToEntry converts a wire-form cloud record back to a LocationEntry for the
// given canonical username.
func (ce CloudEntry) ToEntry(username string) LocationEntry {
	return LocationEntry{
		Location:   ce.L,
		Device:     ce.D,
		IsAccurate: ce.A,
		Timestamp:  ce.T * 1000,
		FromCloud:  true,
		Username:   username,
	}
}

// RateLimitStatus is a derived view of rate-limit state. It is never stored.
// ResetTime and Remaining are zero when not rate limited.
type RateLimitStatus struct {
	IsRateLimited bool
	ResetTime     time.Time
	Remaining     time.Duration
}

// CloudStats are monotonically updated cloud cache usage counters, persisted
// opportunistically.
type CloudStats struct {
	Contributions    int64 `json:"contributions"`
	Lookups          int64 `json:"lookups"`
	Hits             int64 `json:"hits"`
	Misses           int64 `json:"misses"`
	Errors           int64 `json:"errors"`
	LastContribution int64 `json:"lastContribution,omitempty"` // epoch ms
}

// ServerStats are aggregate counters reported by the cloud cache server.
type ServerStats struct {
	TotalEntries       int64 `json:"totalEntries"`
	TotalContributions int64 `json:"totalContributions"`
	LastUpdated        int64 `json:"lastUpdated,omitempty"`
}

// Session carries the caller-supplied provider credentials. It is never
// generated by this module. An incomplete session is a precondition failure
// for provider lookups, not an error.
type Session struct {
	AuthToken       string
	CSRFToken       string
	IsAuthenticated bool
}

// Valid reports whether the session carries both tokens needed for a direct
// provider request.
func (s Session) Valid() bool {
	return s.AuthToken != "" && s.CSRFToken != ""
}

// Canonical returns the canonical key form of a username: trimmed and
// lowercased.
func Canonical(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
