package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// CacheStorage is the backend of the response cache. Failures are surfaced
// as KindCache errors.
type CacheStorage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// =============================================================================
// Memory storage
// =============================================================================

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process CacheStorage. When full it starts over from
// an empty map.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	limit int
}

// NewMemoryCache returns a MemoryCache holding at most limit entries; a
// non-positive limit means 1024.
func NewMemoryCache(limit int) *MemoryCache {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryCache{items: make(map[string]memoryItem, limit), limit: limit}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return item.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.limit {
		c.items = make(map[string]memoryItem, c.limit)
	}
	item := memoryItem{value: bytes.Clone(value)}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}
	c.items[key] = item
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// =============================================================================
// Redis storage
// =============================================================================

// RedisCache stores entries in Redis under prefix.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCache returns a CacheStorage backed by client. An empty prefix
// means "courier:cache:".
func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "courier:cache:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis cache delete: %w", err)
	}
	return nil
}

// =============================================================================
// Caching transport
// =============================================================================

type cacheEntry struct {
	StatusCode int         `json:"status_code"`
	Status     string      `json:"status"`
	Proto      string      `json:"proto"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// cachedBody marks responses served from the cache.
type cachedBody struct {
	io.ReadCloser
}

func isFromCache(resp *http.Response) bool {
	_, ok := resp.Body.(*cachedBody)
	return ok
}

var cacheableStatus = map[int]bool{
	200: true, 203: true, 204: true, 300: true, 301: true,
	404: true, 405: true, 410: true, 414: true, 501: true,
}

func cacheKey(req *http.Request) string {
	return req.Method + ":" + req.URL.String()
}

func isCacheableRequest(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	cc := parseCacheControl(req.Header.Get("Cache-Control"))
	return !cc.noStore
}

// withCache serves fresh entries from storage and stores cacheable
// responses according to their Cache-Control and Expires headers.
func withCache(storage CacheStorage, next TransportFunc) TransportFunc {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if !isCacheableRequest(req) {
			return next(ctx, req)
		}
		key := cacheKey(req)

		data, ok, err := storage.Get(ctx, key)
		if err != nil {
			return nil, &cacheError{err: err}
		}
		if ok {
			var entry cacheEntry
			if err := json.Unmarshal(data, &entry); err == nil && time.Now().Before(entry.ExpiresAt) {
				return entry.response(req), nil
			}
			if err := storage.Delete(ctx, key); err != nil {
				return nil, &cacheError{err: err}
			}
		}

		resp, err := next(ctx, req)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		expiresAt, cacheable := calculateCacheExpiry(resp, now)
		if !cacheable || !cacheableStatus[resp.StatusCode] || !expiresAt.After(now) {
			return resp, nil
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))

		data, err = json.Marshal(cacheEntry{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Proto:      resp.Proto,
			Header:     resp.Header.Clone(),
			Body:       body,
			ExpiresAt:  expiresAt,
		})
		if err != nil {
			return nil, &cacheError{err: err}
		}
		if err := storage.Set(ctx, key, data, expiresAt.Sub(now)); err != nil {
			return nil, &cacheError{err: err}
		}
		return resp, nil
	}
}

func (e *cacheEntry) response(req *http.Request) *http.Response {
	proto := e.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	major, minor, _ := http.ParseHTTPVersion(proto)
	return &http.Response{
		StatusCode:    e.StatusCode,
		Status:        e.Status,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        e.Header.Clone(),
		Body:          &cachedBody{io.NopCloser(bytes.NewReader(e.Body))},
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

type cacheDirectives struct {
	noStore bool
	noCache bool
	private bool
	maxAge  *time.Duration
}

func parseCacheControl(header string) cacheDirectives {
	var d cacheDirectives
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		key, value, hasValue := strings.Cut(part, "=")
		switch {
		case key == "no-store":
			d.noStore = true
		case key == "no-cache":
			d.noCache = true
		case key == "private":
			d.private = true
		case key == "max-age" && hasValue:
			if secs, err := strconv.Atoi(strings.Trim(value, `"`)); err == nil {
				age := time.Duration(secs) * time.Second
				d.maxAge = &age
			}
		}
	}
	return d
}

// calculateCacheExpiry prefers max-age over Expires. Responses without
// explicit freshness are not cached.
func calculateCacheExpiry(resp *http.Response, receivedAt time.Time) (time.Time, bool) {
	cc := parseCacheControl(resp.Header.Get("Cache-Control"))
	if cc.noStore || cc.noCache || cc.private {
		return time.Time{}, false
	}
	if cc.maxAge != nil {
		return receivedAt.Add(*cc.maxAge), true
	}
	if expires := resp.Header.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
