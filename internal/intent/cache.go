// Package intent caches the most recent search parameters per user and
// mode, so a repeat searcher can skip the vehicle and location prompts.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/motolink/waroute/internal/models"
)

// Cache stores and recalls recent search intent. Recent returns nil without
// error when nothing fresh is cached; cache failures are soft and must never
// fail a search.
type Cache interface {
	Recent(ctx context.Context, ownerID string, mode models.NearbyMode) (*models.IntentEntry, error)
	Store(ctx context.Context, entry models.IntentEntry) error
}

// RedisCache implements Cache on Redis with a per-entry TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache. A zero ttl disables expiry, which is
// almost never what you want.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func intentKey(ownerID string, mode models.NearbyMode) string {
	return fmt.Sprintf("intent:%s:%s", ownerID, mode)
}

// Recent returns the cached entry for (owner, mode), or nil when absent.
func (c *RedisCache) Recent(ctx context.Context, ownerID string, mode models.NearbyMode) (*models.IntentEntry, error) {
	raw, err := c.client.Get(ctx, intentKey(ownerID, mode)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read intent cache: %w", err)
	}
	var entry models.IntentEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		slog.Warn("Discarding undecodable intent cache entry", "ownerID", ownerID, "mode", mode, "error", err)
		return nil, nil
	}
	return &entry, nil
}

// Store writes the entry under its (owner, mode) key.
func (c *RedisCache) Store(ctx context.Context, entry models.IntentEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode intent entry: %w", err)
	}
	if err := c.client.Set(ctx, intentKey(entry.OwnerID, entry.Mode), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write intent cache: %w", err)
	}
	return nil
}

// MemoryCache is an in-process Cache for tests and single-node deployments
// without Redis.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	entry   models.IntentEntry
	expires time.Time
}

// NewMemoryCache creates an empty MemoryCache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Recent returns the cached entry for (owner, mode), or nil when absent or
// expired.
func (c *MemoryCache) Recent(ctx context.Context, ownerID string, mode models.NearbyMode) (*models.IntentEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[intentKey(ownerID, mode)]
	if !ok {
		return nil, nil
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		delete(c.entries, intentKey(ownerID, mode))
		return nil, nil
	}
	copied := e.entry
	return &copied, nil
}

// Store writes the entry under its (owner, mode) key.
func (c *MemoryCache) Store(ctx context.Context, entry models.IntentEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[intentKey(entry.OwnerID, entry.Mode)] = memoryEntry{
		entry:   entry,
		expires: c.now().Add(c.ttl),
	}
	return nil
}

// SetClock replaces the clock. Test helper.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
