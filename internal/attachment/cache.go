package attachment

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachingResolver memoizes another Resolver with a TTL-bounded LRU and collapses
// concurrent lookups of the same reference into one call.
type CachingResolver struct {
	next    Resolver
	group   singleflight.Group
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type cacheItem struct {
	key       string
	url       string
	expiresAt time.Time
}

// NewCachingResolver wraps next. ttl should be shorter than the URL lifetime of
// next so cached URLs are never handed out already expired.
func NewCachingResolver(next Resolver, maxSize int, ttl time.Duration) *CachingResolver {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingResolver{
		next:    next,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *CachingResolver) ResolveURL(ctx context.Context, storageRef string) (string, error) {
	if storageRef == "" {
		return "", ErrEmptyRef
	}
	if u, ok := c.get(storageRef); ok {
		return u, nil
	}

	v, err, _ := c.group.Do(storageRef, func() (interface{}, error) {
		return c.next.ResolveURL(ctx, storageRef)
	})
	if err != nil {
		return "", err
	}
	u := v.(string)
	c.set(storageRef, u)
	return u, nil
}

func (c *CachingResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *CachingResolver) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return "", false
	}
	item := elem.Value.(*cacheItem)
	if c.now().After(item.expiresAt) {
		c.lru.Remove(elem)
		delete(c.items, key)
		return "", false
	}
	c.lru.MoveToFront(elem)
	return item.url, true
}

func (c *CachingResolver) set(key, u string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.url = u
		item.expiresAt = expiresAt
		return
	}

	c.items[key] = c.lru.PushFront(&cacheItem{key: key, url: u, expiresAt: expiresAt})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheItem).key)
	}
}
