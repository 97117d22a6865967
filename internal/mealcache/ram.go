package mealcache

import (
	"container/list"
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  *ResponseDescriptor
	size int64
}

// ramCache is a size-bounded LRU of decoded entries. A maxBytes of zero
// disables it.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List // front = most recently used
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*list.Element{}, lru: list.New()}
}

func entrySize(ent *ResponseDescriptor) int64 {
	n := int64(len(ent.Body) + len(ent.URL))
	for k, vs := range ent.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (*ResponseDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*ramItem).ent.Clone(), true
}

// Put takes ownership of ent.
func (c *ramCache) Put(key string, ent *ResponseDescriptor) {
	if c.maxBytes <= 0 {
		return
	}
	sz := entrySize(ent)
	if sz > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		it := el.Value.(*ramItem)
		c.total += sz - it.size
		it.ent = ent
		it.size = sz
		c.lru.MoveToFront(el)
	} else {
		c.items[key] = c.lru.PushFront(&ramItem{key: key, ent: ent, size: sz})
		c.total += sz
	}

	for c.total > c.maxBytes {
		el := c.lru.Back()
		if el == nil {
			break
		}
		c.removeLocked(el)
	}
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Purge drops every key with the given prefix.
func (c *ramCache) Purge(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, el := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(el)
		}
	}
}

func (c *ramCache) removeLocked(el *list.Element) {
	it := el.Value.(*ramItem)
	c.lru.Remove(el)
	delete(c.items, it.key)
	c.total -= it.size
}
