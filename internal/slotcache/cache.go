// Package slotcache implements the LRU-bounded slot cache (spec §4.1):
// get/get_no_touch/force_get/is_cached/was_removed, eviction, and the
// memory accounting that triggers it. The LRU list is
// a small wrapper over container/list.
package slotcache

import (
	"container/list"
	"sync"

	"github.com/totalorder/synod/internal/paxos"
	"github.com/totalorder/synod/internal/synod"
)

// entry is the LRU list element payload.
type entry struct {
	key  synod.Synod
	slot *paxos.Slot
}

// Cache is the bounded LRU map from synod to Paxos slot state (spec §3,
// §4.1). It is also the unit of memory accounting: AddSize tracks
// aggregate client-data bytes and Shrink evicts from the LRU tail among
// finished slots once the configured limit is exceeded.
type Cache struct {
	mu       sync.Mutex
	byKey    map[synod.Synod]*list.Element
	lru      *list.List
	evicted  map[synod.Synod]bool
	reserveWindow uint64

	sizeBytes uint64
	sizeLimit uint64

	// NoCacheAbort is set when sustained memory pressure leaves no
	// evictable slot; the executor observes it and exits (spec §4.1).
	NoCacheAbort bool
}

// New returns a cache bounded by sizeLimit bytes and a reserve window of
// reserveWindow slots behind executed_msg (the eviction boundary, spec
// §3 invariant 4 and §4.1).
func New(sizeLimit uint64, reserveWindow uint64) *Cache {
	return &Cache{
		byKey:         make(map[synod.Synod]*list.Element),
		lru:           list.New(),
		evicted:       make(map[synod.Synod]bool),
		reserveWindow: reserveWindow,
		sizeLimit:     sizeLimit,
	}
}

// Get returns the slot for s, creating it (and touching the LRU) if
// absent.
func (c *Cache) Get(s synod.Synod) *paxos.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(s, true)
}

// GetNoTouch returns the slot for s without promoting it in the LRU,
// creating it if absent.
func (c *Cache) GetNoTouch(s synod.Synod) *paxos.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(s, false)
}

// ForceGet creates the slot for s even under memory pressure (spec
// §4.1), used when a slot must be addressable regardless of cache
// limits (e.g. the owner's own in-flight proposal).
func (c *Cache) ForceGet(s synod.Synod) *paxos.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(s, true)
}

func (c *Cache) getLocked(s synod.Synod, touch bool) *paxos.Slot {
	if el, ok := c.byKey[s]; ok {
		if touch {
			c.lru.MoveToFront(el)
		}
		return el.Value.(*entry).slot
	}
	sl := paxos.NewSlot(s)
	el := c.lru.PushFront(&entry{key: s, slot: sl})
	c.byKey[s] = el
	delete(c.evicted, s)
	return sl
}

// IsCached reports whether s currently has cache-resident state, without
// creating an entry.
func (c *Cache) IsCached(s synod.Synod) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byKey[s]
	return ok
}

// WasRemoved reports whether s was evicted from the cache (as opposed to
// never having been touched), the behind-the-window signal that drives
// a die_op reply (spec §4.1, §4.4).
func (c *Cache) WasRemoved(s synod.Synod) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted[s]
}

// AddSize adjusts the tracked client-data byte count (spec §4.1). A
// negative delta is used when a slot's value is discarded.
func (c *Cache) AddSize(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta >= 0 {
		c.sizeBytes += uint64(delta)
	} else if uint64(-delta) > c.sizeBytes {
		c.sizeBytes = 0
	} else {
		c.sizeBytes -= uint64(-delta)
	}
}

// ResidentBytes reports the cache's current tracked size (spec §8
// invariant 4).
func (c *Cache) ResidentBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizeBytes
}

// Range calls fn for every slot currently resident in the cache, in no
// particular order, used by the snapshot provider to replay learned
// values (spec §4.8).
func (c *Cache) Range(fn func(s synod.Synod, slot *paxos.Slot)) {
	c.mu.Lock()
	snapshot := make([]*entry, 0, len(c.byKey))
	for _, el := range c.byKey {
		snapshot = append(snapshot, el.Value.(*entry))
	}
	c.mu.Unlock()
	for _, ent := range snapshot {
		fn(ent.key, ent.slot)
	}
}

// Shrink evicts from the LRU tail among slots whose learner value is set
// and which are older than executedSlot-reserveWindow (spec §4.1), once
// the tracked size is over limit. Evicting a slot does not lower the
// tracked size, so every evictable slot is evicted in one call. It
// returns the number of slots evicted.
func (c *Cache) Shrink(executedSlot uint64, limit uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizeLimit = limit
	if c.sizeBytes <= limit {
		return 0
	}
	evicted := 0
	for el := c.lru.Back(); el != nil && c.sizeBytes > limit; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		boundary := uint64(0)
		if executedSlot > c.reserveWindow {
			boundary = executedSlot - c.reserveWindow
		}
		if ent.slot.Finished() && !ent.slot.IsLocked() && ent.key.Slot < boundary {
			c.lru.Remove(el)
			delete(c.byKey, ent.key)
			c.evicted[ent.key] = true
			evicted++
		}
		el = prev
	}
	if c.sizeBytes > limit && evicted == 0 {
		c.NoCacheAbort = true
	}
	return evicted
}
