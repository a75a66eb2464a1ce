package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key string
	exp time.Time
}

// LRU is a bounded set of recently seen keys with optional expiry. The
// least recently touched key is evicted when capacity is reached.
type LRU struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	index    map[string]*list.Element
	now      func() time.Time
}

func NewLRU(capacity int, ttl time.Duration) *LRU {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &LRU{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		index:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Contains reports whether key was added and has not expired or been
// evicted. A hit refreshes its recency.
func (c *LRU) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	e := el.Value.(*entry)
	if !e.exp.IsZero() && c.now().After(e.exp) {
		c.removeElement(el)
		return false
	}
	c.ll.MoveToFront(el)
	return true
}

// Add records key, evicting the oldest entry if needed. It returns false
// when the key was already present.
func (c *LRU) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if c.ttl > 0 {
		exp = c.now().Add(c.ttl)
	}

	if el, ok := c.index[key]; ok {
		el.Value.(*entry).exp = exp
		c.ll.MoveToFront(el)
		return false
	}

	c.index[key] = c.ll.PushFront(&entry{key: key, exp: exp})
	for c.ll.Len() > c.capacity {
		c.removeElement(c.ll.Back())
	}
	return true
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *LRU) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
