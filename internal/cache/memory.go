package cache

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"pixelgate/pkg/types"
)

type memoryEntry struct {
	key      Key
	bitmap   *types.Bitmap
	byteSize int64
}

// MemoryCache is a size-bounded LRU. The entry map and the recency list
// are one unit guarded by mu; the list front is the least recently used.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[Key]*list.Element
	order    *list.List
	size     int64
	maxBytes int64

	// evicted is called with mu held for every entry dropped by eviction.
	evicted func(Key, int64)
	logger  *zap.Logger
}

// NewMemoryCache creates a memory cache bounded by maxBytes.
// If maxBytes is not positive DefaultMaxBytes is used.
func NewMemoryCache(maxBytes int64, logger *zap.Logger) *MemoryCache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryCache{
		items:    make(map[Key]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
		logger:   logger.Named("memcache"),
	}
}

// OnEvict registers fn to be told about evictions. fn runs with the cache
// lock held and must not call back into the cache.
func (c *MemoryCache) OnEvict(fn func(key Key, byteSize int64)) {
	c.mu.Lock()
	c.evicted = fn
	c.mu.Unlock()
}

// Get returns the bitmap for key and promotes it to most recently used.
// A miss leaves the cache untouched.
func (c *MemoryCache) Get(key Key) (*types.Bitmap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToBack(el)
	return el.Value.(*memoryEntry).bitmap, true
}

// Put inserts or replaces the bitmap for key, promotes it and evicts
// until the cache fits its budget again.
func (c *MemoryCache) Put(key Key, bitmap *types.Bitmap, byteSize int64) {
	if byteSize < 0 {
		byteSize = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		c.size += byteSize - entry.byteSize
		entry.bitmap = bitmap
		entry.byteSize = byteSize
		c.order.MoveToBack(el)
	} else {
		c.items[key] = c.order.PushBack(&memoryEntry{key: key, bitmap: bitmap, byteSize: byteSize})
		c.size += byteSize
	}

	c.evictLocked()
}

// Clear drops every entry.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	c.items = make(map[Key]*list.Element)
	c.order.Init()
	c.size = 0
	c.mu.Unlock()
}

// SetMaxBytes changes the budget and evicts right away if needed.
func (c *MemoryCache) SetMaxBytes(n int64) {
	if n < 0 {
		n = 0
	}

	c.mu.Lock()
	c.maxBytes = n
	c.evictLocked()
	c.mu.Unlock()
}

// Count returns the number of cached bitmaps.
func (c *MemoryCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Bytes returns the running byte total.
func (c *MemoryCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// ActualBytes recomputes the byte total from the live entries.
func (c *MemoryCache) ActualBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.actualBytesLocked()
}

func (c *MemoryCache) actualBytesLocked() int64 {
	var total int64
	for el := c.order.Front(); el != nil; el = el.Next() {
		total += el.Value.(*memoryEntry).byteSize
	}
	return total
}

func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Count:       len(c.items),
		Bytes:       c.size,
		ActualBytes: c.actualBytesLocked(),
		MaxBytes:    c.maxBytes,
	}
}

// evictLocked drops least recently used entries until size fits maxBytes.
// Caller must hold mu.
func (c *MemoryCache) evictLocked() {
	for c.size > c.maxBytes {
		el := c.order.Front()
		if el == nil {
			// Nothing left to evict but the total is still positive.
			c.logger.Warn("memory cache byte total out of sync, clamping",
				zap.Int64("size", c.size),
				zap.Int("entries", len(c.items)),
			)
			c.size = 0
			return
		}

		entry := c.order.Remove(el).(*memoryEntry)
		delete(c.items, entry.key)
		c.size -= entry.byteSize

		if c.evicted != nil {
			c.evicted(entry.key, entry.byteSize)
		}
	}
}
