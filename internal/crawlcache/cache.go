// Package crawlcache keeps recently fetched pages so overlapping crawls skip duplicate work.
package crawlcache

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JakeFAU/rag-pipeline/internal/telemetry"
	"github.com/JakeFAU/rag-pipeline/internal/weburl"
)

// Options are the crawl settings that change what a fetch returns.
type Options struct {
	RenderMode      string
	FullPageContent bool
}

// Entry is one cached fetch.
type Entry struct {
	URL          string
	FinalURL     string
	StatusCode   int
	ContentType  string
	Body         []byte
	UsedHeadless bool
	BlobURI      string
	FetchedAt    time.Time
}

type item struct {
	entry     Entry
	expiresAt time.Time
}

// Stats reports cache occupancy and effectiveness.
type Stats struct {
	EntriesInMemory int   `json:"entriesInMemory"`
	MaxEntries      int   `json:"maxEntries"`
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
}

// HitRate returns hits over lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a bounded LRU whose entries expire after at most the configured TTL.
type Cache struct {
	lru        *expirable.LRU[string, item]
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	hits       atomic.Int64
	misses     atomic.Int64
}

// New builds a Cache holding at most maxEntries for at most ttl each.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max entries must be > 0")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be > 0")
	}
	return &Cache{
		lru:        expirable.NewLRU[string, item](maxEntries, nil, ttl),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// Key builds the cache key from the normalized URL plus the options that affect content.
func Key(rawURL string, opts Options) string {
	normalized, err := weburl.Normalize(rawURL)
	if err != nil {
		normalized = rawURL
	}
	mode := opts.RenderMode
	if mode == "" {
		mode = "auto"
	}
	return fmt.Sprintf("%s|render=%s|full=%t", normalized, mode, opts.FullPageContent)
}

// Get returns a live entry for key.
func (c *Cache) Get(key string) (Entry, bool) {
	it, ok := c.lru.Get(key)
	if ok && c.now().After(it.expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		telemetry.ObserveCacheLookup(false)
		return Entry{}, false
	}
	c.hits.Add(1)
	telemetry.ObserveCacheLookup(true)
	return it.entry, true
}

// Put stores entry for ttl, capped at the cache-wide TTL. A non-positive ttl uses the cap.
func (c *Cache) Put(key string, entry Entry, ttl time.Duration) {
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}
	c.lru.Add(key, item{entry: entry, expiresAt: c.now().Add(ttl)})
	telemetry.ObserveCacheEntries(c.lru.Len())
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(key string) {
	c.lru.Remove(key)
}

// InvalidateHost drops every entry whose URL belongs to host ("www." insensitive).
func (c *Cache) InvalidateHost(host string) int {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	removed := 0
	for _, key := range c.lru.Keys() {
		rawURL, _, _ := strings.Cut(key, "|")
		if weburl.Host(rawURL) == host && c.lru.Remove(key) {
			removed++
		}
	}
	telemetry.ObserveCacheEntries(c.lru.Len())
	return removed
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.lru.Purge()
	telemetry.ObserveCacheEntries(0)
}

// Stats returns current occupancy and hit counters.
func (c *Cache) Stats() Stats {
	return Stats{
		EntriesInMemory: c.lru.Len(),
		MaxEntries:      c.maxEntries,
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
	}
}
