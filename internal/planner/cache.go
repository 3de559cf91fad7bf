package planner

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"fetchline/internal/domain"
)

// resultCache memoizes planner results per (graph identity+version, dsl)
// key with LRU eviction. It exists purely to amortize UI call frequency;
// no classification semantics live here.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int
}

type cacheEntry struct {
	key    string
	result domain.PlannerResult
}

func newResultCache(maxSize int) *resultCache {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &resultCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// cacheKey hashes graph identity/version together with the literal DSL
// string. The reason argument of Analyse is deliberately excluded.
func cacheKey(graphID string, graphVersion int, dsl string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", graphID, graphVersion, dsl)))
	return hex.EncodeToString(h[:])
}

func (c *resultCache) get(key string) (domain.PlannerResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return domain.PlannerResult{}, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*cacheEntry).result, true
}

func (c *resultCache) set(key string, res domain.PlannerResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).result = res
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, result: res})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

func (c *resultCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}
