// Package cache provides a size- and time-bounded key/value store.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/capitalize-ai/lead-inbox/pkg/metrics"
)

const (
	// DefaultMaxSize is the capacity used when Options.MaxSize is unset.
	DefaultMaxSize = 100
	// DefaultTTL is the lifetime used when Set is called without a TTL.
	DefaultTTL = 5 * time.Minute
)

// Options configures a Cache.
type Options struct {
	// Name labels the cache in metrics. Empty disables metrics.
	Name       string
	MaxSize    int
	DefaultTTL time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Cache maps string keys to values that expire after a TTL. When full, the
// oldest inserted entry is evicted (FIFO, reads do not refresh position).
// It is safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	name    string
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	order   *list.List
	entries map[string]*list.Element
}

// New creates a Cache.
func New[V any](opts Options) *Cache[V] {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[V]{
		name:    opts.Name,
		maxSize: opts.MaxSize,
		ttl:     opts.DefaultTTL,
		now:     opts.Now,
		order:   list.New(),
		entries: make(map[string]*list.Element, opts.MaxSize),
	}
}

// Set stores value under key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. A non-positive ttl uses the default.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpiredLocked(now)

	// Re-setting a key counts as a fresh insertion.
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}

	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Front(); oldest != nil {
			c.removeLocked(oldest)
			metrics.RecordCacheEviction(c.name, "capacity")
		}
	}

	elem := c.order.PushBack(&entry[V]{
		key:       key,
		value:     value,
		expiresAt: now.Add(ttl),
	})
	c.entries[key] = elem
}

// Get returns the live value for key. An expired entry is deleted and
// reported as absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(key)
	if !ok {
		var zero V
		return zero, false
	}
	metrics.RecordCacheLookup(c.name, "hit")
	return e.value, true
}

// Has reports whether key holds a live value.
func (c *Cache[V]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.liveLocked(key)
	return ok
}

// Delete removes key and reports whether an entry was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	clear(c.entries)
}

// Len returns the number of stored entries, including expired entries that
// have not been purged yet.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) liveLocked(key string) (*entry[V], bool) {
	elem, ok := c.entries[key]
	if !ok {
		metrics.RecordCacheLookup(c.name, "miss")
		return nil, false
	}
	e := elem.Value.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(elem)
		metrics.RecordCacheLookup(c.name, "expired")
		metrics.RecordCacheEviction(c.name, "expired")
		return nil, false
	}
	return e, true
}

func (c *Cache[V]) purgeExpiredLocked(now time.Time) {
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if e := elem.Value.(*entry[V]); !now.Before(e.expiresAt) {
			c.removeLocked(elem)
			metrics.RecordCacheEviction(c.name, "expired")
		}
		elem = next
	}
}

func (c *Cache[V]) removeLocked(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*entry[V]).key)
}

var (
	sharedOnce sync.Once
	shared     *Cache[any]
)

// Shared returns the process-wide cache, created on first use.
func Shared() *Cache[any] {
	sharedOnce.Do(func() {
		shared = New[any](Options{Name: "shared"})
	})
	return shared
}

// ConfigureShared sets the options used to create the shared cache. It
// reports false if the shared cache already exists.
func ConfigureShared(opts Options) bool {
	configured := false
	sharedOnce.Do(func() {
		if opts.Name == "" {
			opts.Name = "shared"
		}
		shared = New[any](opts)
		configured = true
	})
	return configured
}
