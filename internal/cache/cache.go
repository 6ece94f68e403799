// Package cache memoizes pipeline stage results across ingests. Keys are
// content-addressed: a canonical-JSON digest of the key payload, which must
// include the config versions the cached value depends on, so a menu or
// mods edit naturally misses instead of serving stale mappings.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache namespaces, each with its own TTL and required key fields.
const (
	ItemMappingCache  = "item_mapping_cache"
	NoteModsCache     = "note_mods_cache"
	GroupPatternCache = "group_pattern_cache"
)

// Namespaces is the closed namespace set.
var Namespaces = map[string]bool{
	ItemMappingCache:  true,
	NoteModsCache:     true,
	GroupPatternCache: true,
}

// requiredKeyFields guard against keys that silently omit the version pins.
var requiredKeyFields = map[string][]string{
	ItemMappingCache:  {"name_raw", "menu_catalog_version"},
	NoteModsCache:     {"note_raw", "allowed_mods_version"},
	GroupPatternCache: {"group_pattern", "menu_catalog_version", "allowed_mods_version"},
}

// defaultTTLs in seconds; group patterns age out faster.
var defaultTTLs = map[string]int{
	ItemMappingCache:  3600,
	NoteModsCache:     3600,
	GroupPatternCache: 1800,
}

// Entry is one cached value with its confidence and provenance meta.
// Timestamps are unix seconds; a nil ExpiresAt never expires.
type Entry struct {
	Value      any            `json:"value"`
	Confidence float64        `json:"confidence"`
	Meta       map[string]any `json:"meta"`
	CreatedAt  float64        `json:"created_at"`
	ExpiresAt  *float64       `json:"expires_at"`
}

// Expired reports whether the entry is past its deadline at now.
func (e *Entry) Expired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return float64(now.UnixNano())/1e9 >= *e.ExpiresAt
}

// Backend stores entries per namespace. Implementations need not expire
// entries themselves; the Cache deletes expired entries on read.
type Backend interface {
	Get(namespace, key string) (*Entry, bool)
	Set(namespace, key string, entry *Entry)
	Delete(namespace, key string)
}

// MemoryBackend is the default process-local backend.
type MemoryBackend struct {
	mu    sync.RWMutex
	store map[string]map[string]*Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{store: map[string]map[string]*Entry{}}
}

func (b *MemoryBackend) Get(namespace, key string) (*Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.store[namespace][key]
	return entry, ok
}

func (b *MemoryBackend) Set(namespace, key string, entry *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.store[namespace]
	if !ok {
		bucket = map[string]*Entry{}
		b.store[namespace] = bucket
	}
	bucket[key] = entry
}

func (b *MemoryBackend) Delete(namespace, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.store[namespace], key)
}

// TraceFunc observes cache activity (event is "cache_hit", "cache_miss" or
// "cache_write") so ingests can thread cache decisions into the audit log.
type TraceFunc func(event, namespace, key string)

// Cache is the namespaced TTL cache over a Backend.
type Cache struct {
	backend Backend
	ttls    map[string]int
	now     func() time.Time

	mu    sync.Mutex
	trace TraceFunc
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTLs overrides namespace TTLs in seconds. Unknown namespaces are
// rejected at construction.
func WithTTLs(ttls map[string]int) Option {
	return func(c *Cache) {
		for namespace, ttl := range ttls {
			c.ttls[namespace] = ttl
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a cache over the given backend (nil means in-memory).
func New(backend Backend, opts ...Option) (*Cache, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	c := &Cache{
		backend: backend,
		ttls:    map[string]int{},
		now:     time.Now,
	}
	for namespace, ttl := range defaultTTLs {
		c.ttls[namespace] = ttl
	}
	for _, opt := range opts {
		opt(c)
	}
	for namespace := range c.ttls {
		if !Namespaces[namespace] {
			return nil, fmt.Errorf("unsupported TTL namespace: %s", namespace)
		}
	}
	return c, nil
}

// SetTrace installs (or clears) the activity observer.
func (c *Cache) SetTrace(trace TraceFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trace = trace
}

func (c *Cache) emit(event, namespace, key string) {
	c.mu.Lock()
	trace := c.trace
	c.mu.Unlock()
	if trace != nil {
		trace(event, namespace, key)
	}
}

// Get returns the live entry for the payload, deleting it if expired.
func (c *Cache) Get(namespace string, keyPayload map[string]any) (*Entry, error) {
	key, err := c.makeKey(namespace, keyPayload)
	if err != nil {
		return nil, err
	}
	entry, ok := c.backend.Get(namespace, key)
	if !ok {
		c.emit("cache_miss", namespace, key)
		return nil, nil
	}
	if entry.Expired(c.now()) {
		c.backend.Delete(namespace, key)
		c.emit("cache_miss", namespace, key)
		return nil, nil
	}
	c.emit("cache_hit", namespace, key)
	return entry, nil
}

// Set stores a value with its confidence clamped into [0,1]; the namespace
// TTL determines expiry (ttl <= 0 means never).
func (c *Cache) Set(namespace string, keyPayload map[string]any, value any, confidence float64, meta map[string]any) (*Entry, error) {
	key, err := c.makeKey(namespace, keyPayload)
	if err != nil {
		return nil, err
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	if meta == nil {
		meta = map[string]any{}
	}
	now := float64(c.now().UnixNano()) / 1e9
	entry := &Entry{
		Value:      value,
		Confidence: confidence,
		Meta:       meta,
		CreatedAt:  now,
	}
	if ttl := c.ttls[namespace]; ttl > 0 {
		expires := now + float64(ttl)
		entry.ExpiresAt = &expires
	}
	c.backend.Set(namespace, key, entry)
	c.emit("cache_write", namespace, key)
	return entry, nil
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(namespace string, keyPayload map[string]any) error {
	key, err := c.makeKey(namespace, keyPayload)
	if err != nil {
		return err
	}
	c.backend.Delete(namespace, key)
	return nil
}

// makeKey validates required fields and digests the canonicalized payload.
func (c *Cache) makeKey(namespace string, keyPayload map[string]any) (string, error) {
	if !Namespaces[namespace] {
		return "", fmt.Errorf("unsupported namespace: %s", namespace)
	}
	var missing []string
	for _, field := range requiredKeyFields[namespace] {
		if isMissing(keyPayload[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing key fields for %s: %s", namespace, strings.Join(missing, ", "))
	}

	canonical, err := CanonicalJSON(normalizeValue(keyPayload))
	if err != nil {
		return "", fmt.Errorf("canonicalize cache key: %w", err)
	}
	digest := sha256.Sum256([]byte(canonical))
	return namespace + ":" + hex.EncodeToString(digest[:]), nil
}

func isMissing(value any) bool {
	if value == nil {
		return true
	}
	if text, ok := value.(string); ok {
		return strings.TrimSpace(text) == ""
	}
	return false
}

// normalizeValue trims strings recursively so whitespace-equal payloads hit
// the same entry.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			out[key] = normalizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = normalizeValue(inner)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = strings.TrimSpace(inner)
		}
		return out
	default:
		return value
	}
}

// CanonicalJSON marshals with sorted object keys and no insignificant
// whitespace, so equal payloads digest identically.
func CanonicalJSON(value any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, value); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			keyJSON, err := json.Marshal(key)
			if err != nil {
				return err
			}
			b.Write(keyJSON)
			b.WriteByte(':')
			if err := writeCanonical(b, v[key]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, inner := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, inner); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		b.Write(data)
		return nil
	}
}
