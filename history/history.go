// Package history maintains a bounded, deduplicated, recency-ordered record
// of past username lookups, persisted as a single blob with debounced
// write-through to the durable store.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/bep/debounce"
	logging "github.com/ipfs/go-log/v2"
	"github.com/locfind/go-locfind/model"
	"github.com/locfind/go-locfind/store"
)

var log = logging.Logger("history")

// Key is the single durable store key owned by the history cache.
const Key = "lookup_history"

const defaultRecentLimit = 10

// Cache is the in-memory lookup history. Entries are unique by lowercase
// username and kept in lookup-time descending order, newest first. Mutations
// schedule a debounced persist carrying the latest full snapshot; only Clear
// writes through immediately.
type Cache struct {
	store      store.Store
	clock      clock.Clock
	maxEntries int
	debounced  func(func())

	loadOnce sync.Once

	// writeMu serializes store writes with Clear, so an in-flight persist
	// cannot recreate the key after a confirmed delete.
	writeMu sync.Mutex

	mu      sync.Mutex
	entries []model.HistoryEntry
	dirty   bool
}

// New creates a history cache backed by the given store. Call Load before
// first use to populate it from the store.
func New(st store.Store, options ...Option) (*Cache, error) {
	if st == nil {
		return nil, errors.New("history requires a store")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return &Cache{
		store:      st,
		clock:      opts.clock,
		maxEntries: opts.maxEntries,
		debounced:  debounce.New(opts.quiet),
	}, nil
}

// Load populates the cache from the durable store. It is idempotent and
// single-flight: concurrent callers share the one in-flight load. Missing or
// corrupt data yields an empty cache, never an error.
func (c *Cache) Load(ctx context.Context) {
	c.loadOnce.Do(func() {
		data, err := c.store.Get(ctx, Key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				log.Warnw("Cannot read lookup history, starting empty", "err", err)
			}
			return
		}
		var entries []model.HistoryEntry
		if err = json.Unmarshal(data, &entries); err != nil {
			log.Warnw("Corrupt lookup history, starting empty", "err", err)
			return
		}
		// Defend against out-of-order persisted data.
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].LookupTime > entries[j].LookupTime
		})
		if len(entries) > c.maxEntries {
			entries = entries[:c.maxEntries]
		}
		c.mu.Lock()
		c.entries = entries
		c.mu.Unlock()
	})
}

// Add records a lookup for username, replacing any existing entry for the
// same username (case-insensitive) and evicting the oldest entry when the
// bound is exceeded. The new entry is always first.
func (c *Cache) Add(username string, data model.LocationEntry, mode model.Mode) {
	key := model.Canonical(username)
	if key == "" {
		return
	}
	entry := model.HistoryEntry{
		Username:   key,
		Data:       data,
		LookupTime: c.clock.Now().UnixMilli(),
		Mode:       mode,
	}

	c.mu.Lock()
	c.removeLocked(key)
	c.entries = append([]model.HistoryEntry{entry}, c.entries...)
	if len(c.entries) > c.maxEntries {
		c.entries = c.entries[:c.maxEntries]
	}
	c.dirty = true
	c.mu.Unlock()

	c.schedulePersist()
}

// Remove deletes the entry for username. Absence is a no-op, not an error.
func (c *Cache) Remove(username string) {
	key := model.Canonical(username)

	c.mu.Lock()
	removed := c.removeLocked(key)
	if removed {
		c.dirty = true
	}
	c.mu.Unlock()

	if removed {
		c.schedulePersist()
	}
}

func (c *Cache) removeLocked(key string) bool {
	for i := range c.entries {
		if c.entries[i].Username == key {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the cache and deletes the durable key immediately, without
// debounce. A failed delete leaves stale data resident, so the error
// propagates to the caller.
func (c *Cache) Clear(ctx context.Context) error {
	// Wait out any in-flight persist; its write must land before the delete.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.entries = nil
	// Drop any pending snapshot so a scheduled persist cannot recreate the
	// key after the delete.
	c.dirty = false
	c.mu.Unlock()

	return c.store.Delete(ctx, Key)
}

// Get returns the entry for username and whether one exists.
func (c *Cache) Get(username string) (model.HistoryEntry, bool) {
	key := model.Canonical(username)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].Username == key {
			return c.entries[i], true
		}
	}
	return model.HistoryEntry{}, false
}

// RecentUsernames returns the first limit usernames in current order, fewer
// when the history is shorter. A non-positive limit defaults to 10.
func (c *Cache) RecentUsernames(limit int) []string {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > len(c.entries) {
		limit = len(c.entries)
	}
	names := make([]string, limit)
	for i := 0; i < limit; i++ {
		names[i] = c.entries[i].Username
	}
	return names
}

// Entries returns a copy of the history in current order.
func (c *Cache) Entries() []model.HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.HistoryEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close flushes any pending snapshot synchronously. Best-effort: the error is
// returned but the cache remains usable.
func (c *Cache) Close() error {
	return c.persist(context.Background())
}

func (c *Cache) schedulePersist() {
	c.debounced(func() {
		if err := c.persist(context.Background()); err != nil {
			log.Warnw("Cannot persist lookup history", "err", err)
		}
	})
}

// persist writes the current snapshot when one is pending. The snapshot is
// read at fire time, so coalesced mutations always persist the latest state.
func (c *Cache) persist(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(c.entries)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.dirty = false
	c.mu.Unlock()

	if err = c.store.Put(ctx, Key, data); err != nil {
		// Keep the snapshot pending so the next mutation retries it.
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return err
	}
	return nil
}
