package access

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"nexa-erp.dev/internal/obs"
)

// DefaultCacheSize bounds the permission cache when no size is configured.
const DefaultCacheSize = 10000

type cacheKey struct {
	userID    string
	companyID string
}

// Cache holds resolutions keyed by (user, company) with LRU eviction.
// Entries have no TTL; they leave on eviction or explicit invalidation.
//
// Every invalidation advances an epoch. A resolution computed under an older
// epoch is refused by Add, so a read racing a write can never reinstate a
// stale entry.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[cacheKey, *Resolution]
	epoch uint64
}

// NewCache returns a cache holding at most size entries.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[cacheKey, *Resolution](size)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &Cache{lru: c}
}

// Get returns the cached resolution and marks it recently used.
func (c *Cache) Get(userID, companyID string) (*Resolution, bool) {
	res, ok := c.lru.Get(cacheKey{userID, companyID})
	obs.ObserveCacheLookup(ok)
	return res, ok
}

// Epoch returns the current invalidation epoch. Read it before computing a
// resolution and pass it to Add.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Add stores res unless an invalidation happened after epoch was read.
func (c *Cache) Add(userID, companyID string, res *Resolution, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.lru.Add(cacheKey{userID, companyID}, res)
	obs.SetCacheEntries(c.lru.Len())
	return true
}

// Invalidate drops the entry for one user in one company.
func (c *Cache) Invalidate(userID, companyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.lru.Remove(cacheKey{userID, companyID})
	obs.SetCacheEntries(c.lru.Len())
}

// InvalidateCompany drops every entry of companyID.
func (c *Cache) InvalidateCompany(companyID string) {
	c.removeWhere(func(k cacheKey) bool { return k.companyID == companyID })
}

// InvalidateUser drops every entry of userID.
func (c *Cache) InvalidateUser(userID string) {
	c.removeWhere(func(k cacheKey) bool { return k.userID == userID })
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.lru.Purge()
	obs.SetCacheEntries(0)
}

// Len reports the number of cached entries.
func (c *Cache) Len() int { return c.lru.Len() }

func (c *Cache) removeWhere(match func(cacheKey) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, k := range c.lru.Keys() {
		if match(k) {
			c.lru.Remove(k)
		}
	}
	obs.SetCacheEntries(c.lru.Len())
}
