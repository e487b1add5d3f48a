// Package store implements the keyed table with passive TTL expiry that backs
// every protocol table in the stack: the ARP cache, the ARP pending queue, the
// IP reassembly flows and the TCP/UDP listener and connection tables.
//
// Each protocol component owns its Store instances; nothing here is global.
package store

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/netlab/internal/core"
)

// DefaultCapacity bounds a store when Config.Capacity is zero.
const DefaultCapacity = 4096

// Key is a fixed-width store key. Key() returns its binary form.
type Key interface {
	comparable
	Key() string
}

// Config configures a Store.
type Config[V any] struct {
	KeySize  int           // exact length of K.Key()
	Capacity int           // maximum live entries (0 = DefaultCapacity)
	TTL      time.Duration // 0 = entries never expire
	Clone    func(V) V     // optional deep copy applied on Set
}

type entry[K Key, V any] struct {
	key     K
	value   V
	touched time.Time
}

// Store maps fixed-width keys to values. Set refreshes an entry's timestamp,
// Get does not. Expired entries are dropped when they are next looked at.
type Store[K Key, V any] struct {
	items    *cache.Cache
	keySize  int
	capacity int
	clone    func(V) V
}

// New creates a store. The go-cache janitor is disabled; expiry is passive.
func New[K Key, V any](cfg Config[V]) *Store[K, V] {
	ttl := cache.NoExpiration
	if cfg.TTL > 0 {
		ttl = cfg.TTL
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store[K, V]{
		items:    cache.New(ttl, 0),
		keySize:  cfg.KeySize,
		capacity: capacity,
		clone:    cfg.Clone,
	}
}

// Set inserts or overwrites the value for k.
func (s *Store[K, V]) Set(k K, v V) error {
	id := k.Key()
	if len(id) != s.keySize {
		return fmt.Errorf("%w: got %d bytes, want %d", core.ErrKeySize, len(id), s.keySize)
	}
	if _, found := s.items.Get(id); !found && s.items.ItemCount() >= s.capacity {
		s.items.DeleteExpired()
		if s.items.ItemCount() >= s.capacity {
			return fmt.Errorf("%w: %d entries", core.ErrStoreFull, s.capacity)
		}
	}
	if s.clone != nil {
		v = s.clone(v)
	}
	s.items.Set(id, &entry[K, V]{key: k, value: v, touched: time.Now()}, cache.DefaultExpiration)
	return nil
}

// Get returns the value for k. An expired entry is evicted and reported absent.
func (s *Store[K, V]) Get(k K) (V, bool) {
	id := k.Key()
	x, found := s.items.Get(id)
	if !found {
		s.items.Delete(id)
		var zero V
		return zero, false
	}
	return x.(*entry[K, V]).value, true
}

// Touched returns when k was last set.
func (s *Store[K, V]) Touched(k K) (time.Time, bool) {
	x, found := s.items.Get(k.Key())
	if !found {
		return time.Time{}, false
	}
	return x.(*entry[K, V]).touched, true
}

// Delete removes k. Deleting a missing key is a no-op.
func (s *Store[K, V]) Delete(k K) {
	s.items.Delete(k.Key())
}

// Len returns the number of live entries.
func (s *Store[K, V]) Len() int {
	s.items.DeleteExpired()
	return s.items.ItemCount()
}

// ForEach calls fn for every live entry in unspecified order. fn may modify
// the store.
func (s *Store[K, V]) ForEach(fn func(k K, v V, touched time.Time)) {
	for _, it := range s.items.Items() {
		e := it.Object.(*entry[K, V])
		fn(e.key, e.value, e.touched)
	}
}

// ForEachMatching calls action for every live entry accepted by pred.
func (s *Store[K, V]) ForEachMatching(pred func(K, V) bool, action func(K, V)) {
	s.ForEach(func(k K, v V, _ time.Time) {
		if pred(k, v) {
			action(k, v)
		}
	})
}

// Clear removes every entry.
func (s *Store[K, V]) Clear() {
	s.items.Flush()
}
