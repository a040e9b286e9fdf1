// Package cache provides a TTL response cache with tag-based invalidation.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// unsafeHeaders are never stored or replayed from cache. Cookies carry
// caller-specific state and date-like headers would be stale on replay.
var unsafeHeaders = map[string]bool{
	"Set-Cookie":    true,
	"Cookie":        true,
	"Cache-Control": true,
	"Date":          true,
	"Age":           true,
	"Expires":       true,
	"Authorization": true,
}

// Entry is a cached response: payload, status, and the safe header subset.
type Entry struct {
	Status int
	Body   []byte
	Header http.Header
	Tags   []string
}

type record struct {
	entry     Entry
	expiresAt time.Time
}

// Options configures the cache.
type Options struct {
	// Prefix is prepended to every generated key.
	Prefix string
	// TTL maps entity categories (agents, sessions, users, ...) to entry
	// lifetimes. Each category is independently configurable.
	TTL map[string]time.Duration
	// DefaultTTL applies when a category has no entry in the table.
	DefaultTTL time.Duration
	// MaxEntries bounds the cache; zero means unbounded.
	MaxEntries int
}

// Cache is an in-memory key/value store with a tag→key-set secondary index.
// The index is maintained under the same lock as the primary write, so an
// invalidation observes a consistent view of both.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*record
	tags    map[string]map[string]struct{}
	opts    Options
	now     func() time.Time
}

// New creates a cache.
func New(opts Options) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Minute
	}
	return &Cache{
		entries: make(map[string]*record),
		tags:    make(map[string]map[string]struct{}),
		opts:    opts,
		now:     time.Now,
	}
}

// Key builds a cache key from the request shape and caller scope:
// {prefix}{METHOD}:{path}:{hash(params, scope)}. Params are hashed in
// sorted order so equivalent requests produce identical keys.
func (c *Cache) Key(method, path string, params map[string]string, scope string) string {
	h := sha256.New()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(params[name]))
		h.Write([]byte{0})
	}
	h.Write([]byte(scope))
	digest := hex.EncodeToString(h.Sum(nil))[:32]
	return c.opts.Prefix + strings.ToUpper(method) + ":" + path + ":" + digest
}

// TTLFor returns the configured lifetime for an entity category.
func (c *Cache) TTLFor(category string) time.Duration {
	if ttl, ok := c.opts.TTL[category]; ok {
		return ttl
	}
	return c.opts.DefaultTTL
}

// Lookup returns the entry stored under key, if present and unexpired.
func (c *Cache) Lookup(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if c.now().After(rec.expiresAt) {
		c.removeLocked(key)
		return Entry{}, false
	}
	return cloneEntry(rec.entry), true
}

// Store writes the entry under key with the given TTL and indexes it under
// each tag. Unsafe headers are stripped before storage.
func (c *Cache) Store(key string, entry Entry, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	stored := cloneEntry(entry)
	stored.Header = SafeHeaders(entry.Header)
	stored.Tags = append([]string(nil), tags...)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an entry must drop its old tag memberships first.
	if _, exists := c.entries[key]; exists {
		c.removeLocked(key)
	}

	if c.opts.MaxEntries > 0 && len(c.entries) >= c.opts.MaxEntries {
		c.evictOldestLocked()
	}

	c.entries[key] = &record{entry: stored, expiresAt: c.now().Add(ttl)}
	for _, tag := range tags {
		keys, ok := c.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

// Invalidate removes every key currently indexed under the tag and returns
// the number of entries dropped.
func (c *Cache) Invalidate(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.tags[tag]
	if !ok {
		return 0
	}
	n := 0
	for key := range keys {
		if _, exists := c.entries[key]; exists {
			c.removeLocked(key)
			n++
		}
	}
	delete(c.tags, tag)
	return n
}

// InvalidateKey removes a single entry.
func (c *Cache) InvalidateKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Clear removes all entries and tag indexes.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*record)
	c.tags = make(map[string]map[string]struct{})
}

// Size returns the current number of entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked drops an entry and its tag memberships. Lock must be held.
func (c *Cache) removeLocked(key string) {
	rec, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, tag := range rec.entry.Tags {
		if keys, ok := c.tags[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

// evictOldestLocked removes the entry closest to expiry. Lock must be held.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, rec := range c.entries {
		if oldestKey == "" || rec.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = rec.expiresAt
		}
	}
	if oldestKey != "" {
		c.removeLocked(oldestKey)
	}
}

// SafeHeaders returns a copy of h with unsafe headers removed.
func SafeHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if unsafeHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

func cloneEntry(e Entry) Entry {
	out := Entry{
		Status: e.Status,
		Body:   append([]byte(nil), e.Body...),
		Header: make(http.Header, len(e.Header)),
		Tags:   append([]string(nil), e.Tags...),
	}
	for name, values := range e.Header {
		out.Header[name] = append([]string(nil), values...)
	}
	return out
}
