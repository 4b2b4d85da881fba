// Package store defines the durable key/value persistence used by the lookup
// history and cloud cache state. The interface deliberately offers nothing
// beyond single-key get/put/delete: callers must not assume ordering or
// transaction guarantees across keys.
package store

import (
	"context"
	"errors"

	datastore "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
)

// ErrNotFound is returned by Get when the key has no stored value.
var ErrNotFound = errors.New("key not found")

// Store is the minimal persistence contract. Each component owns its keys
// exclusively; no key is shared across components.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Datastore adapts any ipfs datastore to the Store interface.
type Datastore struct {
	ds datastore.Datastore
}

var _ Store = (*Datastore)(nil)

// NewDatastore wraps the given datastore. The caller remains responsible for
// closing the underlying datastore.
func NewDatastore(d datastore.Datastore) *Datastore {
	return &Datastore{ds: d}
}

// NewMapStore returns a Store backed by an in-memory map datastore that is
// safe for concurrent use. Intended for tests and ephemeral configurations.
func NewMapStore() *Datastore {
	return NewDatastore(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func (s *Datastore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.ds.Get(ctx, datastore.NewKey(key))
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return val, nil
}

func (s *Datastore) Put(ctx context.Context, key string, value []byte) error {
	return s.ds.Put(ctx, datastore.NewKey(key), value)
}

func (s *Datastore) Delete(ctx context.Context, key string) error {
	return s.ds.Delete(ctx, datastore.NewKey(key))
}
