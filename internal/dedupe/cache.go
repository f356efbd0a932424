// ABOUTME: Bounded TTL set of inbound message IDs
// ABOUTME: Keeps redelivered backend events from resolving a second waiter

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type seenID struct {
	at   time.Time
	elem *list.Element
}

// Cache is a concurrency-safe set of message IDs with a TTL and a size cap.
// Oldest IDs are evicted first when the cap is reached.
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*seenID
	fifo    *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Cache and starts its janitor goroutine. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		ids:     make(map[string]*seenID),
		fifo:    list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.janitor(janitorInterval(ttl))
	return c
}

func janitorInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Seen reports whether id was recorded within the TTL.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.ids[id]
	return ok && c.now().Sub(e.at) < c.ttl
}

// FirstSighting records id and reports whether this is the first time it was
// seen within the TTL. Check and record happen under one lock.
func (c *Cache) FirstSighting(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.ids[id]; ok {
		if now.Sub(e.at) < c.ttl {
			return false
		}
		e.at = now
		c.fifo.MoveToBack(e.elem)
		return true
	}

	if len(c.ids) >= c.maxSize {
		if front := c.fifo.Front(); front != nil {
			c.fifo.Remove(front)
			delete(c.ids, front.Value.(string))
		}
	}
	c.ids[id] = &seenID{at: now, elem: c.fifo.PushBack(id)}
	return true
}

// Len returns the number of IDs currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func (c *Cache) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.expire()
		case <-c.stop:
			return
		}
	}
}

// expire drops every ID older than the TTL. IDs are in insertion order, so
// the walk stops at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.fifo.Front(); e != nil; {
		id := e.Value.(string)
		if now.Sub(c.ids[id].at) < c.ttl {
			return
		}
		next := e.Next()
		c.fifo.Remove(e)
		delete(c.ids, id)
		e = next
	}
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
