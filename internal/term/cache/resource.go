// Package cache implements the two content-addressed stores shared across
// requests: the client-resource cache (keyed by client cache-id) and the
// expansion cache (keyed by a content hash of the expansion inputs).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// resourceKey identifies a resource within one cache-id bucket.
type resourceKey struct {
	resourceType string
	url          string
	version      string
}

// bucket holds the resources one client submitted under a cache-id. Writes to
// a bucket serialize on its own mutex; distinct cache-ids do not contend.
type bucket struct {
	mu        sync.RWMutex
	resources map[resourceKey]map[string]interface{}
	lastUsed  time.Time
}

// ResourceCache stores client-supplied CodeSystem/ValueSet/ConceptMap
// resources between requests, keyed by the client's cache-id.
type ResourceCache struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewResourceCache creates an empty resource cache.
func NewResourceCache() *ResourceCache {
	return &ResourceCache{buckets: make(map[string]*bucket)}
}

func keyOf(res map[string]interface{}) resourceKey {
	k := resourceKey{}
	if s, ok := res["resourceType"].(string); ok {
		k.resourceType = s
	}
	if s, ok := res["url"].(string); ok {
		k.url = s
	}
	if s, ok := res["version"].(string); ok {
		k.version = s
	}
	return k
}

func (c *ResourceCache) bucket(cacheID string, create bool) *bucket {
	c.mu.RLock()
	b := c.buckets[cacheID]
	c.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b = c.buckets[cacheID]; b == nil {
		b = &bucket{resources: make(map[resourceKey]map[string]interface{})}
		c.buckets[cacheID] = b
	}
	return b
}

// Add merges resources into the cache-id bucket by (resourceType, url,
// version); existing entries with the same key are replaced.
func (c *ResourceCache) Add(cacheID string, resources []map[string]interface{}) {
	b := c.bucket(cacheID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range resources {
		b.resources[keyOf(r)] = r
	}
	b.lastUsed = time.Now()
}

// Set replaces the bucket's contents entirely.
func (c *ResourceCache) Set(cacheID string, resources []map[string]interface{}) {
	b := c.bucket(cacheID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources = make(map[resourceKey]map[string]interface{}, len(resources))
	for _, r := range resources {
		b.resources[keyOf(r)] = r
	}
	b.lastUsed = time.Now()
}

// View returns a read-only snapshot of a bucket for use by one operation.
// A missing cache-id yields an empty view.
func (c *ResourceCache) View(cacheID string) *ResourceView {
	b := c.bucket(cacheID, false)
	if b == nil {
		return &ResourceView{}
	}
	b.mu.Lock()
	b.lastUsed = time.Now()
	snapshot := make([]map[string]interface{}, 0, len(b.resources))
	for _, r := range b.resources {
		snapshot = append(snapshot, r)
	}
	b.mu.Unlock()
	return &ResourceView{resources: snapshot}
}

// Prune removes buckets idle longer than maxAge, returning the count removed.
func (c *ResourceCache) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, b := range c.buckets {
		b.mu.RLock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.RUnlock()
		if idle {
			delete(c.buckets, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live cache-id buckets.
func (c *ResourceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buckets)
}

// ResourceView is an immutable per-operation snapshot of additional resources.
type ResourceView struct {
	resources []map[string]interface{}
}

// NewResourceView wraps an explicit resource list (tx-resource parameters).
func NewResourceView(resources []map[string]interface{}) *ResourceView {
	return &ResourceView{resources: resources}
}

// Merge returns a view containing this view's resources plus extras.
func (v *ResourceView) Merge(extras []map[string]interface{}) *ResourceView {
	out := make([]map[string]interface{}, 0, len(v.resources)+len(extras))
	out = append(out, v.resources...)
	out = append(out, extras...)
	return &ResourceView{resources: out}
}

// Find locates a resource by type and url, honouring a version qualifier when
// given. An empty version matches any.
func (v *ResourceView) Find(resourceType, url, version string) (map[string]interface{}, bool) {
	for _, r := range v.resources {
		k := keyOf(r)
		if k.resourceType != resourceType || k.url != url {
			continue
		}
		if version == "" || k.version == version {
			return r, true
		}
	}
	return nil, false
}

// AllOf returns every resource of the given type.
func (v *ResourceView) AllOf(resourceType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, r := range v.resources {
		if k := keyOf(r); k.resourceType == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// Hashes returns the sorted SHA-256 hashes of the canonical JSON of each
// resource, used in expansion-cache key derivation.
func (v *ResourceView) Hashes() []string {
	out := make([]string, 0, len(v.resources))
	for _, r := range v.resources {
		raw, err := json.Marshal(r)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(raw)
		out = append(out, hex.EncodeToString(sum[:]))
	}
	sort.Strings(out)
	return out
}
