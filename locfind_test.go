package locfind_test

import (
	"context"
	"testing"

	locfind "github.com/locfind/go-locfind"
	"github.com/locfind/go-locfind/model"
	"github.com/locfind/go-locfind/provider"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	entries map[string]model.HistoryEntry
	added   []string
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{entries: make(map[string]model.HistoryEntry)}
}

func (h *fakeHistory) Get(username string) (model.HistoryEntry, bool) {
	e, ok := h.entries[username]
	return e, ok
}

func (h *fakeHistory) Add(username string, data model.LocationEntry, mode model.Mode) {
	h.entries[username] = model.HistoryEntry{Username: username, Data: data, Mode: mode}
	h.added = append(h.added, username)
}

type fakeCloud struct {
	enabled      bool
	results      map[string]*model.LocationEntry
	lookups      []string
	contributed  []string
	contribution map[string]model.LocationEntry
}

func newFakeCloud(enabled bool) *fakeCloud {
	return &fakeCloud{
		enabled:      enabled,
		results:      make(map[string]*model.LocationEntry),
		contribution: make(map[string]model.LocationEntry),
	}
}

func (c *fakeCloud) Enabled() bool { return c.enabled }

func (c *fakeCloud) Lookup(ctx context.Context, username string) *model.LocationEntry {
	c.lookups = append(c.lookups, username)
	return c.results[username]
}

func (c *fakeCloud) Contribute(username string, entry model.LocationEntry) {
	if !c.enabled {
		return
	}
	c.contributed = append(c.contributed, username)
	c.contribution[username] = entry
}

type fakeProvider struct {
	results map[string]*model.LocationEntry
	err     error
	calls   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{results: make(map[string]*model.LocationEntry)}
}

func (p *fakeProvider) FetchUserInfo(ctx context.Context, username string, session model.Session) (*model.LocationEntry, error) {
	p.calls = append(p.calls, username)
	if p.err != nil {
		return nil, p.err
	}
	return p.results[username], nil
}

var session = model.Session{AuthToken: "t", CSRFToken: "c", IsAuthenticated: true}

func TestLookupHistoryFirst(t *testing.T) {
	h := newFakeHistory()
	h.entries["alice"] = model.HistoryEntry{
		Username: "alice",
		Data:     model.LocationEntry{Location: "Berlin"},
	}
	c := newFakeCloud(true)
	p := newFakeProvider()

	r, err := locfind.NewResolver(h, c, p)
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "ALICE", session, model.ModeManual)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, locfind.SourceHistory, res.Source)
	require.Equal(t, "Berlin", res.Entry.Location)

	// Neither the cloud nor the provider was consulted.
	require.Empty(t, c.lookups)
	require.Empty(t, p.calls)
}

func TestLookupCloudSecond(t *testing.T) {
	h := newFakeHistory()
	c := newFakeCloud(true)
	c.results["alice"] = &model.LocationEntry{Location: "Lisbon", FromCloud: true}
	p := newFakeProvider()

	r, err := locfind.NewResolver(h, c, p)
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "alice", session, model.ModeAuto)
	require.NoError(t, err)
	require.Equal(t, locfind.SourceCloud, res.Source)
	require.Equal(t, "Lisbon", res.Entry.Location)

	// A cloud hit lands in the history but is not re-contributed.
	require.Equal(t, []string{"alice"}, h.added)
	require.Empty(t, c.contributed)
	require.Empty(t, p.calls)
}

func TestLookupCloudDisabledSkipped(t *testing.T) {
	h := newFakeHistory()
	c := newFakeCloud(false)
	c.results["alice"] = &model.LocationEntry{Location: "Lisbon"}
	p := newFakeProvider()
	p.results["alice"] = &model.LocationEntry{Location: "Berlin"}

	r, err := locfind.NewResolver(h, c, p)
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "alice", session, model.ModeManual)
	require.NoError(t, err)
	require.Equal(t, locfind.SourceProvider, res.Source)
	require.Empty(t, c.lookups)
}

func TestLookupProviderFeedsHistoryAndQueue(t *testing.T) {
	h := newFakeHistory()
	c := newFakeCloud(true)
	p := newFakeProvider()
	p.results["alice"] = &model.LocationEntry{Location: "Berlin", Username: "alice"}

	r, err := locfind.NewResolver(h, c, p)
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "Alice", session, model.ModeManual)
	require.NoError(t, err)
	require.Equal(t, locfind.SourceProvider, res.Source)

	require.Equal(t, []string{"alice"}, h.added)
	require.Equal(t, model.ModeManual, h.entries["alice"].Mode)
	require.Equal(t, []string{"alice"}, c.contributed)
	require.Equal(t, "Berlin", c.contribution["alice"].Location)
}

func TestLookupMissEverywhere(t *testing.T) {
	r, err := locfind.NewResolver(newFakeHistory(), newFakeCloud(true), newFakeProvider())
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "nobody", session, model.ModeManual)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestLookupProviderErrorsAreNoResult(t *testing.T) {
	h := newFakeHistory()
	p := newFakeProvider()
	p.err = provider.ErrRateLimited

	r, err := locfind.NewResolver(h, nil, p)
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "alice", session, model.ModeManual)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Empty(t, h.added)

	p.err = provider.ErrAuth
	res, err = r.Lookup(context.Background(), "alice", session, model.ModeManual)
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestLookupContextCancellation(t *testing.T) {
	p := newFakeProvider()
	p.err = context.Canceled

	r, err := locfind.NewResolver(newFakeHistory(), nil, p)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Lookup(ctx, "alice", session, model.ModeManual)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLookupEmptyUsername(t *testing.T) {
	p := newFakeProvider()
	r, err := locfind.NewResolver(newFakeHistory(), nil, p)
	require.NoError(t, err)

	res, err := r.Lookup(context.Background(), "   ", session, model.ModeManual)
	require.NoError(t, err)
	require.Nil(t, res)
	require.Empty(t, p.calls)
}

func TestNewResolverValidation(t *testing.T) {
	_, err := locfind.NewResolver(nil, nil, newFakeProvider())
	require.Error(t, err)
	_, err = locfind.NewResolver(newFakeHistory(), nil, nil)
	require.Error(t, err)
}
