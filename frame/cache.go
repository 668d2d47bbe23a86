package frame

import (
	"sort"
	"sync"
	"time"
)

// Handle is an opaque, releasable rendering resource for one frame (an
// object URL, a texture, or plain retained bytes). The cache owns the
// handle from Upsert until it is superseded, evicted or cleared, and
// releases it exactly once.
type Handle interface {
	Release()
}

// Snapshot is a read-only view of one cache entry.
type Snapshot struct {
	Handle          Handle
	ReceivedAtNanos uint64
	SequenceNumber  uint32
}

type entry struct {
	handle          Handle
	receivedAtNanos uint64
	sequenceNumber  uint32
}

// Cache maps participant identity to the last known-good frame. Eviction is
// age-based, not LRU: a participant who moves out of range simply stops
// producing frames and must disappear within one sweep interval.
type Cache struct {
	mu         sync.Mutex
	evictAfter time.Duration
	entries    map[string]*entry
}

// NewCache builds a cache that Sweep treats entries older than evictAfter
// as expired.
func NewCache(evictAfter time.Duration) *Cache {
	return &Cache{
		evictAfter: evictAfter,
		entries:    make(map[string]*entry),
	}
}

// Upsert stores the frame for participantID, releasing any superseded
// handle first. It reports whether this is the first frame ever seen for
// the participant, so the caller can fire a one-time source-added
// notification instead of one per frame.
func (c *Cache) Upsert(participantID string, h Handle, sequenceNumber uint32, nowNanos uint64) (isNewParticipant bool) {
	c.mu.Lock()
	prev, existed := c.entries[participantID]
	c.entries[participantID] = &entry{
		handle:          h,
		receivedAtNanos: nowNanos,
		sequenceNumber:  sequenceNumber,
	}
	c.mu.Unlock()

	if existed && prev.handle != nil {
		prev.handle.Release()
	}
	return !existed
}

// Sweep removes every entry older than the eviction age, releases its
// handle, and returns the evicted identifiers so the caller can notify
// source-removed.
func (c *Cache) Sweep(nowNanos uint64) []string {
	c.mu.Lock()
	var evicted []string
	var handles []Handle
	for id, e := range c.entries {
		if nowNanos <= e.receivedAtNanos {
			continue
		}
		if time.Duration(nowNanos-e.receivedAtNanos) > c.evictAfter {
			evicted = append(evicted, id)
			handles = append(handles, e.handle)
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()

	for _, h := range handles {
		if h != nil {
			h.Release()
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Remove drops one participant's entry, releasing its handle. It reports
// whether an entry existed.
func (c *Cache) Remove(participantID string) bool {
	c.mu.Lock()
	e, ok := c.entries[participantID]
	if ok {
		delete(c.entries, participantID)
	}
	c.mu.Unlock()

	if ok && e.handle != nil {
		e.handle.Release()
	}
	return ok
}

// Clear releases every handle and empties the cache, returning the removed
// identifiers so the caller can synthesize source-removed notifications on
// leg shutdown.
func (c *Cache) Clear() []string {
	c.mu.Lock()
	removed := make([]string, 0, len(c.entries))
	handles := make([]Handle, 0, len(c.entries))
	for id, e := range c.entries {
		removed = append(removed, id)
		handles = append(handles, e.handle)
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	for _, h := range handles {
		if h != nil {
			h.Release()
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns a read-only view of the entry for participantID.
func (c *Cache) Get(participantID string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[participantID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Handle:          e.handle,
		ReceivedAtNanos: e.receivedAtNanos,
		SequenceNumber:  e.sequenceNumber,
	}, true
}

// Len returns the number of cached participants.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Participants returns the cached identifiers in sorted order.
func (c *Cache) Participants() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	return ids
}
