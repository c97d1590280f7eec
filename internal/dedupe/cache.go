// ABOUTME: Thread-safe TTL ledger of client idempotency keys and the message ids they produced
// ABOUTME: Lets the conversation service answer a resend with the original message instead of a copy

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	messageID string // empty while the claiming send is still in flight
	claimedAt time.Time
	element   *list.Element
}

// Cache maps idempotency keys to the message id they produced. Entries expire
// after the TTL and the oldest entry is evicted once maxSize is reached.
// A doubly-linked list keeps claim order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest claim at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
	now     func() time.Time
}

// New creates a cache with the given TTL and capacity.
// A background goroutine periodically removes expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go c.cleanup()
	return c
}

// Claim reserves key for the caller. It returns claimed=true when the key is
// new or expired. Otherwise it returns the message id recorded for the key,
// which is empty if the first send has not completed yet.
func (c *Cache) Claim(key string) (messageID string, claimed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.claimedAt) < c.ttl {
			return e.messageID, false
		}
		c.removeLocked(key, e)
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &entry{
		claimedAt: now,
		element:   c.order.PushBack(key),
	}
	return "", true
}

// Complete records the message id produced under a claimed key.
// Unknown or evicted keys are ignored.
func (c *Cache) Complete(key, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.messageID = messageID
	}
}

// Release drops a claim so the key can be retried after a failed send.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// Len returns the number of tracked keys, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string, e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, key)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes expired entries. Claims are ordered, so it stops at the
// first live entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		e := c.entries[key]
		if now.Sub(e.claimedAt) < c.ttl {
			return
		}
		c.removeLocked(key, e)
	}
}

// Close stops the background sweeper. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
