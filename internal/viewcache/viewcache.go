// Package viewcache caches rendered per-user views (listings, usage) and
// drops them when a mutation revalidates the view path they were built for.
package viewcache

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"
)

const minSizeMB = 1

// Cache is a freecache-backed view cache. Entries are namespaced by a
// generation counter per path plus a global one, so invalidation is O(1)
// and stale entries simply age out. A nil *Cache never hits.
type Cache struct {
	fc  *freecache.Cache
	ttl int

	mu     sync.Mutex
	global uint64
	gens   map[string]uint64
}

// New allocates sizeMB of cache memory. ttl bounds how long a view may be
// served without any invalidation.
func New(sizeMB int, ttl time.Duration) *Cache {
	if sizeMB < minSizeMB {
		sizeMB = minSizeMB
	}
	seconds := int(ttl / time.Second)
	if seconds <= 0 {
		seconds = 30
	}
	return &Cache{
		fc:   freecache.NewCache(sizeMB * 1024 * 1024),
		ttl:  seconds,
		gens: make(map[string]uint64),
	}
}

// Get returns the cached view for key under path.
func (c *Cache) Get(path, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	val, err := c.fc.Get(c.entryKey(path, key))
	if err != nil {
		return nil, false
	}
	return val, true
}

// Set stores a view for key under path. Oversized values are dropped.
func (c *Cache) Set(path, key string, val []byte) {
	if c == nil {
		return
	}
	_ = c.fc.Set(c.entryKey(path, key), val, c.ttl)
}

// Invalidate drops every view built under path. An empty path drops all views.
func (c *Cache) Invalidate(path string) {
	if c == nil {
		return
	}
	path = NormalizePath(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if path == "" {
		c.global++
		return
	}
	c.gens[path]++
}

// EntryCount reports the number of live entries, including superseded ones
// not yet evicted.
func (c *Cache) EntryCount() int64 {
	if c == nil {
		return 0
	}
	return c.fc.EntryCount()
}

func (c *Cache) entryKey(path, key string) []byte {
	path = NormalizePath(path)
	c.mu.Lock()
	global, gen := c.global, c.gens[path]
	c.mu.Unlock()
	var b strings.Builder
	b.Grow(len(path) + len(key) + 24)
	b.WriteString(strconv.FormatUint(global, 36))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(gen, 36))
	b.WriteByte('|')
	b.WriteString(path)
	b.WriteByte('|')
	b.WriteString(key)
	return []byte(b.String())
}

// NormalizePath trims whitespace and trailing slashes, keeping "/" for the root.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if trimmed := strings.TrimRight(path, "/"); trimmed != "" {
		return trimmed
	}
	return "/"
}
