// Package frontend is the demo external façade: a chi-routed collection of
// documents that exercises the write path end to end. It implements
// wire.Dispatcher (runs applied requests against its router) and
// wire.CollectionManager (rebuilds its in-memory collection index from the
// store after a boot or a snapshot install).
//
// Grounded on the teacher's lib/db/engines/maple in-memory KV engine for the
// collection/document split, generalized from a single flat keyspace to
// named collections the way original_source/src/typesense_server.cpp's
// collection manager does.
package frontend

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/volantsearch/replicate/internal/store"
)

// collectionKeyPrefix namespaces every document key by collection name, so a
// single pebble keyspace can hold many collections without colliding.
const collectionKeyPrefix = "doc:"

// StoreProvider returns the current store handle. Handlers and Collections
// call it per-request rather than closing over a *store.Store directly,
// since RecoverFromSnapshot swaps in a fresh store instance whose pointer
// would otherwise go stale mid-process. Satisfied by *replicate.StateMachine.
type StoreProvider interface {
	Store() *store.Store
}

// Collections is the in-memory index of known collection names, rebuilt from
// the store on boot. Document bytes themselves stay in the store; this index
// only tracks which collections exist so the collection and document handlers
// can reject unknown or duplicate names without a full scan per request.
type Collections struct {
	provider StoreProvider

	mu    sync.RWMutex
	known map[string]struct{}
}

// NewCollections constructs an index backed by provider. Call Load before
// serving traffic.
func NewCollections(provider StoreProvider) *Collections {
	return &Collections{provider: provider, known: map[string]struct{}{}}
}

// Load implements wire.CollectionManager: it rescans the store's document
// keys and rebuilds the known-collections set from them. Creating a
// collection writes nothing to the store, so a collection that holds no
// documents is not recovered by Load. Called by StateMachine after
// init_db and after a snapshot install, never concurrently with request
// handling on the same StateMachine.
func (c *Collections) Load() error {
	known := map[string]struct{}{}
	err := c.provider.Store().ScanPrefix([]byte(collectionKeyPrefix), func(key, _ []byte) bool {
		name, _, ok := splitDocKey(string(key))
		if ok {
			known[name] = struct{}{}
		}
		return true
	})
	if err != nil {
		return errors.Wrap(err, "frontend: scan collections")
	}
	c.mu.Lock()
	c.known = known
	c.mu.Unlock()
	return nil
}

func (c *Collections) has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.known[name]
	return ok
}

func (c *Collections) add(name string) {
	c.mu.Lock()
	c.known[name] = struct{}{}
	c.mu.Unlock()
}

func (c *Collections) remove(name string) {
	c.mu.Lock()
	delete(c.known, name)
	c.mu.Unlock()
}

// List returns the known collection names, sorted for a deterministic
// response body.
func (c *Collections) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.known))
	for n := range c.known {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// document is the on-disk representation of one stored document.
type document struct {
	ID     string          `json:"id"`
	Fields json.RawMessage `json:"fields"`
}

func docKey(collection, id string) []byte {
	return []byte(collectionKeyPrefix + collection + ":" + id)
}

// splitDocKey reverses docKey, used while rebuilding the collection index.
func splitDocKey(key string) (collection, id string, ok bool) {
	rest := key[len(collectionKeyPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}
