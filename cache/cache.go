// Package cache holds decoded values in memory, keyed by string and stamped
// with the modification time of the thing they were decoded from.
//
// A value is reloaded when its source has changed since it was cached.
// Concurrent reloads of the same key are collapsed into one. The number of
// entries is bounded, and the least recently used entry is evicted first.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/golang/groupcache/singleflight"
)

// LoadFunc produces the value for a key.
type LoadFunc func() (interface{}, error)

type Cache struct {
	max   int                // maximum number of entries, 0 for no limit
	group singleflight.Group // keyed by cache key

	m     sync.Mutex // protects everything below
	items map[string]*list.Element
	lru   *list.List // front is most recently used
	hits  int64
	loads int64
}

type entry struct {
	key   string
	value interface{}
	stamp time.Time
}

// New returns a cache holding at most max entries. A max of 0 means no limit.
func New(max int) *Cache {
	return &Cache{
		max:   max,
		items: make(map[string]*list.Element),
		lru:   list.New(),
	}
}

// Get returns the cached value for key, regardless of its age.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(e)
	return e.Value.(*entry).value, true
}

// Set stores value under key with the given stamp.
func (c *Cache) Set(key string, value interface{}, stamp time.Time) {
	c.m.Lock()
	defer c.m.Unlock()
	if e, ok := c.items[key]; ok {
		ent := e.Value.(*entry)
		ent.value = value
		ent.stamp = stamp
		c.lru.MoveToFront(e)
		return
	}
	c.items[key] = c.lru.PushFront(&entry{key: key, value: value, stamp: stamp})
	for c.max > 0 && c.lru.Len() > c.max {
		last := c.lru.Back()
		c.lru.Remove(last)
		delete(c.items, last.Value.(*entry).key)
	}
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.m.Lock()
	defer c.m.Unlock()
	if e, ok := c.items[key]; ok {
		c.lru.Remove(e)
		delete(c.items, key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.lru.Len()
}

// Stats returns the number of requests answered from the cache and the
// number which needed a load.
func (c *Cache) Stats() (hits, loads int64) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.hits, c.loads
}

// RefreshIfStale returns the value cached under key if it was stamped at or
// after mtime. Otherwise load is called and its result cached with the stamp
// mtime. Load errors are returned and nothing is cached.
func (c *Cache) RefreshIfStale(key string, mtime time.Time, load LoadFunc) (interface{}, error) {
	if v, ok := c.fresh(key, mtime); ok {
		return v, nil
	}
	return c.group.Do(key, func() (interface{}, error) {
		// a load may have finished while we waited to get here
		if v, ok := c.fresh(key, mtime); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return nil, err
		}
		c.m.Lock()
		c.loads++
		c.m.Unlock()
		c.Set(key, v, mtime)
		return v, nil
	})
}

func (c *Cache) fresh(key string, mtime time.Time) (interface{}, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := e.Value.(*entry)
	if ent.stamp.Before(mtime) {
		return nil, false
	}
	c.hits++
	c.lru.MoveToFront(e)
	return ent.value, true
}
