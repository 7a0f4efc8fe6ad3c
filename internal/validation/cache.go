package validation

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// resultCache memoizes validation results keyed by (source, symbol,
// timestamp). Entries expire after a short TTL and the table is bounded with
// LRU eviction.
type resultCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recent
	maxEntries int
	ttl        time.Duration
}

type resultEntry struct {
	key     string
	result  Result
	expires time.Time
}

func newResultCache(maxEntries int, ttl time.Duration) *resultCache {
	return &resultCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

func cacheKey(u feeds.PriceUpdate) string {
	return fmt.Sprintf("%s|%s|%d", u.Source, u.Symbol, u.Timestamp)
}

func (c *resultCache) get(u feeds.PriceUpdate, now time.Time) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[cacheKey(u)]
	if !ok {
		return Result{}, false
	}
	entry := elem.Value.(*resultEntry)
	if now.After(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, entry.key)
		return Result{}, false
	}
	c.order.MoveToFront(elem)
	return entry.result, true
}

func (c *resultCache) put(u feeds.PriceUpdate, r Result, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(u)
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*resultEntry)
		entry.result = r
		entry.expires = now.Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*resultEntry).key)
	}

	elem := c.order.PushFront(&resultEntry{key: key, result: r, expires: now.Add(c.ttl)})
	c.entries[key] = elem
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
