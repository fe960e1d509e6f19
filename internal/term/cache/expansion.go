package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MinCacheTime is the wall-clock threshold below which expansions are not
// worth caching.
const MinCacheTime = 250 * time.Millisecond

// ExpansionCacheOptions tunes the expansion cache.
type ExpansionCacheOptions struct {
	MaxEntries    int           // LRU cap; default 1000
	MinStoreTime  time.Duration // default MinCacheTime
	MemoryLimitMB uint64        // heap threshold for pressure eviction; 0 disables
}

type expEntry struct {
	key      string
	value    map[string]interface{}
	lastUsed time.Time
	element  *list.Element
}

// ExpansionCache is a content-addressed store of computed expansions with LRU
// eviction and memory-pressure halving. Safe for concurrent use.
type ExpansionCache struct {
	mu      sync.Mutex
	items   map[string]*expEntry
	order   *list.List // front = most recently used
	opts    ExpansionCacheOptions
	group   singleflight.Group
	hits    uint64
	misses  uint64
}

// NewExpansionCache creates an expansion cache with the given options.
func NewExpansionCache(opts ExpansionCacheOptions) *ExpansionCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.MinStoreTime <= 0 {
		opts.MinStoreTime = MinCacheTime
	}
	return &ExpansionCache{
		items: make(map[string]*expEntry),
		order: list.New(),
		opts:  opts,
	}
}

// Key derives the content hash for an expansion: the ValueSet JSON, the
// filtered parameter projection, and the sorted hashes of additional
// resources. tx-resource and valueSet parameters must already be excluded
// from params by the caller.
func Key(valueSet map[string]interface{}, params map[string]string, resourceHashes []string) string {
	h := sha256.New()
	if raw, err := json.Marshal(valueSet); err == nil {
		h.Write(raw)
	}
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		h.Write([]byte(n))
		h.Write([]byte{0})
		h.Write([]byte(params[n]))
		h.Write([]byte{0})
	}
	for _, rh := range resourceHashes {
		h.Write([]byte(rh))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached expansion for key, marking it recently used.
func (c *ExpansionCache) Get(key string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	e.lastUsed = time.Now()
	c.order.MoveToFront(e.element)
	return e.value, true
}

// Put stores an expansion when its computation took at least the minimum
// store time; cheap expansions are recomputed instead of cached.
func (c *ExpansionCache) Put(key string, expansion map[string]interface{}, took time.Duration) {
	if took < c.opts.MinStoreTime {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		e.value = expansion
		e.lastUsed = time.Now()
		c.order.MoveToFront(e.element)
		return
	}
	if len(c.items) >= c.opts.MaxEntries {
		c.evictOldestLocked()
	}
	e := &expEntry{key: key, value: expansion, lastUsed: time.Now()}
	e.element = c.order.PushFront(e)
	c.items[key] = e
}

// Do runs fn under singleflight so concurrent misses for the same key compute
// the expansion once.
func (c *ExpansionCache) Do(key string, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}

func (c *ExpansionCache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	e := back.Value.(*expEntry)
	delete(c.items, e.key)
	c.order.Remove(back)
}

// Len returns the number of cached expansions.
func (c *ExpansionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// PollMemoryPressure checks the heap against the configured limit and, when
// exceeded, drops the oldest half of the cache by lastUsed. Intended to run on
// a ticker from main.
func (c *ExpansionCache) PollMemoryPressure() int {
	if c.opts.MemoryLimitMB == 0 {
		return 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc < c.opts.MemoryLimitMB*1024*1024 {
		return 0
	}
	return c.dropOldestHalf()
}

func (c *ExpansionCache) dropOldestHalf() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	drop := len(c.items) / 2
	for i := 0; i < drop; i++ {
		c.evictOldestLocked()
	}
	return drop
}

// Stats reports hit/miss counters for logging.
func (c *ExpansionCache) Stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}
