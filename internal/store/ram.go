package store

import (
	"sync"

	"github.com/rs/zerolog"
)

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a size-bounded LRU. Items pushed out are handed to the disk
// tier when it does not hold them yet.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
	c.total -= it.size
}

func (c *ramCache) Clear() {
	c.mu.Lock()
	c.items = map[string]*ramItem{}
	c.head, c.tail = nil, nil
	c.total = 0
	c.mu.Unlock()
}

// fits reports whether ent can be held by this tier at all.
func (c *ramCache) fits(ent Entry) bool {
	return c.maxBytes <= 0 || ent.size() <= c.maxBytes
}

// Put keeps ent in RAM. Entries larger than the whole tier are skipped.
func (c *ramCache) Put(key string, ent Entry, disk tier, overflowLog zerolog.Logger) {
	if !c.fits(ent) {
		return
	}
	sz := ent.size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		return
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes {
		c.evictToDiskLocked(disk)
		if c.tail == nil {
			break
		}
		if c.total+sz <= c.maxBytes {
			break
		}
		overflowLog.Warn().Int64("need", sz).Int64("max", c.maxBytes).Msg("RAM cache overflow, evicting")
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

func (c *ramCache) evictToDiskLocked(disk tier) {
	// move 10% least-recently-used
	count := len(c.items)
	if count == 0 {
		return
	}
	n := count / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil {
			return
		}
		if disk != nil && !disk.HasKey(it.key) {
			disk.Put(it.key, it.ent)
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
