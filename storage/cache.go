package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"canvas-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	FetchSections(ctx context.Context, userID string) ([]domain.Section, error)
	UpdatePlacement(ctx context.Context, userID, taskID string, p domain.Placement) error
	UpsertSection(ctx context.Context, userID string, s domain.Section) error
	DeleteSection(ctx context.Context, userID, sectionID string) error
	EnqueueMutations(ctx context.Context, userID string, muts []domain.Mutation) error
}

// Cache wraps a store with Redis-backed caching for the two fetch paths the
// reconciler hits on every mutation. Any write evicts both keys; serving a
// stale snapshot to the reconciler would resurrect deleted nodes.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	var tasks []domain.Task
	if c.loadCached(ctx, tasksCacheKey(userID), &tasks) {
		return tasks, nil
	}
	tasks, err := c.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.storeCached(ctx, tasksCacheKey(userID), tasks)
	return tasks, nil
}

func (c *Cache) FetchSections(ctx context.Context, userID string) ([]domain.Section, error) {
	var sections []domain.Section
	if c.loadCached(ctx, sectionsCacheKey(userID), &sections) {
		return sections, nil
	}
	sections, err := c.base.FetchSections(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.storeCached(ctx, sectionsCacheKey(userID), sections)
	return sections, nil
}

func (c *Cache) UpdatePlacement(ctx context.Context, userID, taskID string, p domain.Placement) error {
	if err := c.base.UpdatePlacement(ctx, userID, taskID, p); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) UpsertSection(ctx context.Context, userID string, s domain.Section) error {
	if err := c.base.UpsertSection(ctx, userID, s); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) DeleteSection(ctx context.Context, userID, sectionID string) error {
	if err := c.base.DeleteSection(ctx, userID, sectionID); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) EnqueueMutations(ctx context.Context, userID string, muts []domain.Mutation) error {
	return c.base.EnqueueMutations(ctx, userID, muts)
}

func (c *Cache) loadCached(ctx context.Context, key string, out any) bool {
	if c.redis == nil {
		return false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) storeCached(ctx context.Context, key string, v any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(userID), sectionsCacheKey(userID)).Result()
}

func tasksCacheKey(userID string) string {
	return "canvas:tasks:" + userID
}

func sectionsCacheKey(userID string) string {
	return "canvas:sections:" + userID
}
