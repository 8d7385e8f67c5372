package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cache stores positive geocoding results.
type Cache interface {
	Get(ctx context.Context, key string) (*Coords, bool, error)
	Set(ctx context.Context, key string, c Coords, ttl time.Duration) error
}

// CacheKey is the cache key for a place: case-insensitive, trimmed.
func CacheKey(place string) string {
	return "geo:" + strings.ToLower(strings.TrimSpace(place))
}

// -- Memory --

type memoryEntry struct {
	coords  Coords
	expires time.Time
}

type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (*Coords, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	c := e.coords
	return &c, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, c Coords, ttl time.Duration) error {
	e := memoryEntry{coords: c}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// -- Redis --

// RedisCache shares geocoding results between server instances.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*Coords, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var c Coords
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, fmt.Errorf("redis decode %s: %w", key, err)
	}
	return &c, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, c Coords, ttl time.Duration) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// -- Caching decorator --

// CachingGeocoder answers from the cache before calling the next geocoder.
// Places that resolve to nothing are not cached, so they are retried on
// the next lookup. Cache failures degrade to a miss.
type CachingGeocoder struct {
	next   Geocoder
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachingGeocoder(next Geocoder, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachingGeocoder {
	return &CachingGeocoder{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (g *CachingGeocoder) Geocode(ctx context.Context, place string) (*Coords, error) {
	if strings.TrimSpace(place) == "" {
		return nil, nil
	}
	key := CacheKey(place)

	c, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn().Err(err).Str("place", place).Msg("geocode cache read failed")
	} else if ok {
		return c, nil
	}

	c, err = g.next.Geocode(ctx, place)
	if err != nil || c == nil {
		return c, err
	}
	if err := g.cache.Set(ctx, key, *c, g.ttl); err != nil {
		g.logger.Warn().Err(err).Str("place", place).Msg("geocode cache write failed")
	}
	return c, nil
}
