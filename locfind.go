// Package locfind resolves usernames to location records by combining a
// local lookup history, an opt-in shared cloud cache, and a rate-limited
// direct provider client. A lookup consults the three sources in that order;
// a provider result feeds back into the history and, when contribution is
// enabled, into the cloud contribution queue.
//
// The subpackages can also be used on their own: history for the bounded
// lookup record, cloud for the shared cache client, provider for direct
// fetches, and monitor for the UI-facing rate-limit signal.
package locfind

import (
	"context"
	"errors"

	logging "github.com/ipfs/go-log/v2"
	"github.com/locfind/go-locfind/model"
)

var log = logging.Logger("locfind")

// Source identifies which layer produced a lookup result.
type Source string

const (
	SourceHistory  Source = "history"
	SourceCloud    Source = "cloud"
	SourceProvider Source = "provider"
)

// Result is a resolved location and the layer that supplied it.
type Result struct {
	Entry  model.LocationEntry
	Source Source
}

// HistoryCache is the local lookup record consulted first.
type HistoryCache interface {
	Get(username string) (model.HistoryEntry, bool)
	Add(username string, data model.LocationEntry, mode model.Mode)
}

// CloudCache is the shared cache consulted second, when enabled.
type CloudCache interface {
	Enabled() bool
	Lookup(ctx context.Context, username string) *model.LocationEntry
	Contribute(username string, entry model.LocationEntry)
}

// ProviderAPI is the authoritative lookup path consulted last.
type ProviderAPI interface {
	FetchUserInfo(ctx context.Context, username string, session model.Session) (*model.LocationEntry, error)
}

// Resolver composes the three lookup layers.
type Resolver struct {
	history  HistoryCache
	cloud    CloudCache
	provider ProviderAPI
}

// NewResolver creates a resolver. The cloud cache is optional; history and
// provider are required.
func NewResolver(history HistoryCache, cloud CloudCache, provider ProviderAPI) (*Resolver, error) {
	if history == nil {
		return nil, errors.New("resolver requires a history cache")
	}
	if provider == nil {
		return nil, errors.New("resolver requires a provider client")
	}
	return &Resolver{
		history:  history,
		cloud:    cloud,
		provider: provider,
	}, nil
}

// Lookup resolves a username: history, then cloud cache, then provider. A
// miss at every layer returns (nil, nil). Provider failures of any kind -
// missing session, cooldown, transient errors - also resolve to no result;
// only context cancellation is returned as an error.
func (r *Resolver) Lookup(ctx context.Context, username string, session model.Session, mode model.Mode) (*Result, error) {
	key := model.Canonical(username)
	if key == "" {
		return nil, nil
	}

	if entry, ok := r.history.Get(key); ok {
		return &Result{Entry: entry.Data, Source: SourceHistory}, nil
	}

	if r.cloud != nil && r.cloud.Enabled() {
		if entry := r.cloud.Lookup(ctx, key); entry != nil {
			r.history.Add(key, *entry, mode)
			return &Result{Entry: *entry, Source: SourceCloud}, nil
		}
	}

	entry, err := r.provider.FetchUserInfo(ctx, key, session)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debugw("Provider lookup yielded no result", "username", key, "err", err)
		return nil, nil
	}
	if entry == nil {
		return nil, nil
	}

	r.history.Add(key, *entry, mode)
	if r.cloud != nil {
		// Contribute gates on the opt-in flag itself.
		r.cloud.Contribute(key, *entry)
	}
	return &Result{Entry: *entry, Source: SourceProvider}, nil
}
