// ABOUTME: Bounded, time-windowed set of delivery event ids
// ABOUTME: Lets the broker relay skip events this instance already pushed

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id     string
	seenAt time.Time
}

// Cache holds event ids seen within the last ttl, capped at maxSize ids.
// Entries are kept oldest first, so expiry and eviction both trim the front
// of the list. Expired entries are dropped lazily on each write.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	closed  bool
}

// New returns a cache with the given window and capacity. Non-positive
// values fall back to one minute and 10000 ids.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Check reports whether id was seen inside the window.
func (c *Cache) Check(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(id)
}

// CheckAndMark reports whether id was already seen and marks it when it was not.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveLocked(id) {
		return true
	}
	c.markLocked(id)
	return false
}

// Mark records id as seen now.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

// Len returns the number of ids currently held, expired ones included
// until the next write.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close drops all entries. Later marks are ignored.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.index = make(map[string]*list.Element)
	c.order.Init()
}

func (c *Cache) liveLocked(id string) bool {
	el, ok := c.index[id]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).seenAt) < c.ttl
}

func (c *Cache) markLocked(id string) {
	if c.closed {
		return
	}
	now := c.now()
	c.expireLocked(now)

	if el, ok := c.index[id]; ok {
		el.Value.(*entry).seenAt = now
		c.order.MoveToBack(el)
		return
	}
	for c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[id] = c.order.PushBack(&entry{id: id, seenAt: now})
}

func (c *Cache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).id)
}
