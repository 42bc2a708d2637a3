package storage

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheKey identifies a page within the process-wide cache: pages from
// distinct open databases (even concurrently) never collide because db_id
// is derived from the canonical root path plus device/inode, per spec.md
// §4.1. The same root reopened gets the same db_id; Close drops its pages
// via InvalidateDB.
type cacheKey struct {
	dbID   uint64
	pageID uint64
}

// PageCache is the process-wide LRU page cache. Unlike a per-Pager cache,
// one PageCache can be shared by every open database in the process, which
// is why lookups key on (dbID, pageID) rather than pageID alone.
type PageCache struct {
	mu     sync.Mutex
	c        *lru.Cache[cacheKey, []byte]
	capacity int
	hits     uint64
	misses   uint64
}

// NewPageCache creates a cache holding up to capacity pages.
func NewPageCache(capacity int) (*PageCache, error) {
	if capacity <= 0 {
		capacity = 4096
	}
	c, err := lru.New[cacheKey, []byte](capacity)
	if err != nil {
		return nil, err
	}
	return &PageCache{c: c, capacity: capacity}, nil
}

// Get returns a copy of the cached page, if present.
func (pc *PageCache) Get(dbID, pageID uint64) ([]byte, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	v, ok := pc.c.Get(cacheKey{dbID, pageID})
	if !ok {
		pc.misses++
		return nil, false
	}
	pc.hits++
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Put stores a copy of page under (dbID, pageID), evicting the least
// recently used entry if the cache is full.
func (pc *PageCache) Put(dbID, pageID uint64, page []byte) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	cp := make([]byte, len(page))
	copy(cp, page)
	pc.c.Add(cacheKey{dbID, pageID}, cp)
}

// Invalidate drops a single page from the cache (used on free/overwrite).
func (pc *PageCache) Invalidate(dbID, pageID uint64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.c.Remove(cacheKey{dbID, pageID})
}

// InvalidateDB drops every page belonging to dbID (used on Close, so a
// reopened database never observes stale cached pages under a reused
// cache instance).
func (pc *PageCache) InvalidateDB(dbID uint64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, k := range pc.c.Keys() {
		if k.dbID == dbID {
			pc.c.Remove(k)
		}
	}
}

// Stats returns cumulative hit/miss counters and current/total capacity.
func (pc *PageCache) Stats() (hits, misses uint64, size, capacity int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.hits, pc.misses, pc.c.Len(), pc.capacity
}

var (
	processCacheOnce sync.Once
	processCache     *PageCache
)

// ProcessPageCache returns the lazily-initialized, process-wide page cache
// shared by every Pager in this process (spec.md §5's "process-wide LRU
// page cache keyed by db_id+page_id").
func ProcessPageCache() *PageCache {
	processCacheOnce.Do(func() {
		processCache, _ = NewPageCache(4096)
	})
	return processCache
}
