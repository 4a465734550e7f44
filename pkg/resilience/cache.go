package resilience

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/stableinfra/go-sdk/pkg/core"
)

// Cache defaults.
const (
	DefaultCacheTTL             = 300 * time.Second
	DefaultRequestCacheMaxSize  = 100
	DefaultFunctionCacheMaxSize = 1000
)

// DefaultCacheableStatusCodes are the status codes whose responses may be
// written to the cache.
var DefaultCacheableStatusCodes = []int{200, 203, 204, 206, 300, 301, 404, 405, 410, 414, 501}

// DefaultExcludeMethods never write to the cache.
var DefaultExcludeMethods = []string{core.MethodPost, core.MethodPut, core.MethodPatch, core.MethodDelete}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Name    string        `json:"name" yaml:"name"`
	MaxSize int           `json:"max_size" yaml:"max_size"`
	TTL     time.Duration `json:"ttl" yaml:"ttl"`

	// DisableCacheControl stops writes from honouring transport
	// Cache-Control directives (they are honoured by default)
	DisableCacheControl bool `json:"disable_cache_control" yaml:"disable_cache_control"`

	// CacheableStatusCodes whitelists status codes for writes
	CacheableStatusCodes []int `json:"cacheable_status_codes" yaml:"cacheable_status_codes"`

	// ExcludeMethods bypass cache writes entirely
	ExcludeMethods []string `json:"exclude_methods" yaml:"exclude_methods"`

	// HeaderWhitelist selects the request headers included in fingerprints
	HeaderWhitelist []string `json:"header_whitelist" yaml:"header_whitelist"`

	Persistence         Persistence   `json:"-" yaml:"-"`
	PersistenceDebounce time.Duration `json:"-" yaml:"-"`

	Logger *zap.Logger `json:"-" yaml:"-"`
}

func defaultRequestCacheConfig(cfg CacheConfig) CacheConfig {
	if cfg.Name == "" {
		cfg.Name = "request-cache"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultRequestCacheMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.CacheableStatusCodes == nil {
		cfg.CacheableStatusCodes = DefaultCacheableStatusCodes
	}
	if cfg.ExcludeMethods == nil {
		cfg.ExcludeMethods = DefaultExcludeMethods
	}
	return cfg
}

type cacheEntry struct {
	key        string
	payload    interface{}
	insertedAt time.Time
	expiresAt  time.Time
}

// ResponseCache caches transport responses keyed by request fingerprint.
// Entries expire on read; insertion beyond MaxSize evicts the oldest inserted
// key (FIFO).
type ResponseCache struct {
	cfg CacheConfig
	log *zap.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // of *cacheEntry, insertion order

	hits      int64
	misses    int64
	evictions int64
	expiries  int64

	store *debouncedStore
}

// NewResponseCache creates a request-variant cache with the documented
// defaults (maxSize 100, TTL 300s).
func NewResponseCache(cfg CacheConfig) *ResponseCache {
	full := defaultRequestCacheConfig(cfg)
	logger := full.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ResponseCache{
		cfg:     full,
		log:     logger,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		store:   newDebouncedStore(full.Persistence, full.PersistenceDebounce),
	}
	if err := c.ReloadFromPersistence(); err != nil {
		logger.Warn("cache snapshot load failed", zap.String("cache", full.Name), zap.Error(err))
	}
	return c
}

// Get returns the cached payload for key. An expired entry is deleted and
// reported as a miss.
func (c *ResponseCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(el)
		c.expiries++
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.payload, true
}

// Set stores payload under key. A zero ttl uses the cache default. When the
// cache is at capacity and the key is new, the oldest insertion is evicted.
func (c *ResponseCache) Set(key string, payload interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	now := time.Now()
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.payload = payload
		entry.expiresAt = now.Add(ttl)
		c.mu.Unlock()
		c.store.touch(c.snapshotBytes)
		return
	}
	if c.order.Len() >= c.cfg.MaxSize {
		if oldest := c.order.Front(); oldest != nil {
			c.removeLocked(oldest)
			c.evictions++
		}
	}
	entry := &cacheEntry{key: key, payload: payload, insertedAt: now, expiresAt: now.Add(ttl)}
	c.entries[key] = c.order.PushBack(entry)
	c.mu.Unlock()
	c.store.touch(c.snapshotBytes)
}

// SetFromResponse applies the write-eligibility policy before caching a
// transport response: excluded methods and non-whitelisted status codes never
// write, and Cache-Control no-store/no-cache/max-age are honoured unless
// disabled.
func (c *ResponseCache) SetFromResponse(key, method string, resp *core.TransportResponse, ttlOverride time.Duration) bool {
	if resp == nil {
		return false
	}
	method = strings.ToUpper(method)
	for _, m := range c.cfg.ExcludeMethods {
		if strings.ToUpper(m) == method {
			return false
		}
	}
	statusOK := false
	for _, code := range c.cfg.CacheableStatusCodes {
		if code == resp.StatusCode {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return false
	}
	ttl := ttlOverride
	if !c.cfg.DisableCacheControl {
		cc := core.ParseCacheControl(resp.Header("Cache-Control"))
		if cc.NoStore || cc.NoCache {
			return false
		}
		if cc.HasAge {
			ttl = cc.MaxAge
		}
	}
	c.Set(key, resp.Body, ttl)
	return true
}

// Delete removes an entry.
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
}

// Purge removes every entry.
func (c *ResponseCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()
}

func (c *ResponseCache) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, entry.key)
}

// CacheStats is a copyable view of cache performance.
type CacheStats struct {
	Name                 string  `json:"name"`
	Size                 int     `json:"size"`
	MaxSize              int     `json:"max_size"`
	Hits                 int64   `json:"hits"`
	Misses               int64   `json:"misses"`
	HitRate              float64 `json:"hit_rate"`
	Evictions            int64   `json:"evictions"`
	Expiries             int64   `json:"expiries"`
	Utilization          float64 `json:"utilization"`
	SavedNetworkRequests int64   `json:"saved_network_requests"`
}

// Stats returns a snapshot of the cache counters. Hits on the request cache
// equal transport calls saved.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{
		Name:                 c.cfg.Name,
		Size:                 c.order.Len(),
		MaxSize:              c.cfg.MaxSize,
		Hits:                 c.hits,
		Misses:               c.misses,
		Evictions:            c.evictions,
		Expiries:             c.expiries,
		Utilization:          float64(c.order.Len()) / float64(c.cfg.MaxSize),
		SavedNetworkRequests: c.hits,
	}
	if c.hits+c.misses > 0 {
		s.HitRate = float64(c.hits) / float64(c.hits+c.misses)
	}
	return s
}

type persistedEntry struct {
	Key        string      `msgpack:"key"`
	Payload    interface{} `msgpack:"payload"`
	InsertedAt time.Time   `msgpack:"inserted_at"`
	ExpiresAt  time.Time   `msgpack:"expires_at"`
}

type cacheSnapshot struct {
	Entries   []persistedEntry `msgpack:"entries"`
	Hits      int64            `msgpack:"hits"`
	Misses    int64            `msgpack:"misses"`
	Evictions int64            `msgpack:"evictions"`
}

func (c *ResponseCache) snapshotBytes() ([]byte, error) {
	c.mu.Lock()
	snap := cacheSnapshot{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*cacheEntry)
		snap.Entries = append(snap.Entries, persistedEntry{
			Key: e.key, Payload: e.payload, InsertedAt: e.insertedAt, ExpiresAt: e.expiresAt,
		})
	}
	c.mu.Unlock()
	return msgpack.Marshal(&snap)
}

// ReloadFromPersistence re-applies the stored entries, dropping any that have
// expired while the snapshot was cold.
func (c *ResponseCache) ReloadFromPersistence() error {
	if c.cfg.Persistence == nil {
		return nil
	}
	raw, err := c.cfg.Persistence.Load()
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var snap cacheSnapshot
	if err := msgpack.Unmarshal(raw, &snap); err != nil {
		return err
	}
	now := time.Now()
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	for _, e := range snap.Entries {
		if now.After(e.ExpiresAt) {
			continue
		}
		entry := &cacheEntry{key: e.Key, payload: e.Payload, insertedAt: e.InsertedAt, expiresAt: e.ExpiresAt}
		c.entries[e.Key] = c.order.PushBack(entry)
	}
	c.hits = snap.Hits
	c.misses = snap.Misses
	c.evictions = snap.Evictions
	c.mu.Unlock()
	return nil
}

// FlushPersistence forces a pending snapshot write.
func (c *ResponseCache) FlushPersistence() { c.store.flush() }

// FunctionCache caches function results keyed by function identity and
// arguments. The store is a TTL'd LRU sized for the higher-volume function
// variant (default 1000 entries).
type FunctionCache struct {
	name string
	lru  *expirable.LRU[string, interface{}]

	mu        sync.Mutex
	hits      int64
	misses    int64
	evictions int64
	maxSize   int
}

// NewFunctionCache creates a function-variant cache (maxSize default 1000,
// TTL default 300s).
func NewFunctionCache(name string, maxSize int, ttl time.Duration) *FunctionCache {
	if name == "" {
		name = "function-cache"
	}
	if maxSize <= 0 {
		maxSize = DefaultFunctionCacheMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	fc := &FunctionCache{name: name, maxSize: maxSize}
	fc.lru = expirable.NewLRU[string, interface{}](maxSize, func(string, interface{}) {
		fc.mu.Lock()
		fc.evictions++
		fc.mu.Unlock()
	}, ttl)
	return fc
}

// Get returns the cached result for key.
func (fc *FunctionCache) Get(key string) (interface{}, bool) {
	v, ok := fc.lru.Get(key)
	fc.mu.Lock()
	if ok {
		fc.hits++
	} else {
		fc.misses++
	}
	fc.mu.Unlock()
	return v, ok
}

// Set stores a function result.
func (fc *FunctionCache) Set(key string, result interface{}) {
	fc.lru.Add(key, result)
}

// Purge removes every entry.
func (fc *FunctionCache) Purge() { fc.lru.Purge() }

// Stats returns a snapshot of the cache counters.
func (fc *FunctionCache) Stats() CacheStats {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	s := CacheStats{
		Name:      fc.name,
		Size:      fc.lru.Len(),
		MaxSize:   fc.maxSize,
		Hits:      fc.hits,
		Misses:    fc.misses,
		Evictions: fc.evictions,
	}
	if fc.maxSize > 0 {
		s.Utilization = float64(fc.lru.Len()) / float64(fc.maxSize)
	}
	if fc.hits+fc.misses > 0 {
		s.HitRate = float64(fc.hits) / float64(fc.hits+fc.misses)
	}
	return s
}

// FingerprintRequest computes the deterministic cache key for a request:
// a hash of method, full URL, whitelisted headers and body.
func FingerprintRequest(req *core.RequestSpec, headerWhitelist []string) string {
	n := req.Normalize()
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", n.Method, n.URL())
	if len(headerWhitelist) > 0 && len(n.Headers) > 0 {
		names := make([]string, 0, len(headerWhitelist))
		for _, name := range headerWhitelist {
			names = append(names, strings.ToLower(name))
		}
		sort.Strings(names)
		for _, name := range names {
			for k, v := range n.Headers {
				if strings.ToLower(k) == name {
					fmt.Fprintf(h, "%s=%s|", name, v)
				}
			}
		}
	}
	if n.Body != nil {
		if raw, err := json.Marshal(n.Body); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintFunction computes the deterministic cache key for a function
// call from its identity and arguments.
func FingerprintFunction(name string, args []interface{}) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|", name)
	if len(args) > 0 {
		if raw, err := json.Marshal(args); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
