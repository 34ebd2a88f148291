package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tracktime-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetPreferences(ctx context.Context, userID string) (domain.Preferences, error)
	InsertTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) error
	SavePreferences(ctx context.Context, userID string, p domain.Preferences) error
	EntityCreate(ctx context.Context, userID string, kind domain.EntityKind, data map[string]any) (json.RawMessage, error)
	EntityUpdate(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error)
	EntityUpsert(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error)
	EntityDelete(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error)
	EntityUpdateMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error)
	EntityDeleteMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error)
}

// Cache wraps a Storage instance with Redis-backed caching for read operations.
// Task and preference reads are served from Redis when fresh; every write that
// can change them evicts the user's cached copies.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, userID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.storeTasks(ctx, userID, tasks)
	return tasks, nil
}

func (c *Cache) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	if prefs, ok := c.loadPreferencesFromCache(ctx, userID); ok {
		return prefs, nil
	}

	prefs, err := c.base.GetPreferences(ctx, userID)
	if err != nil {
		return domain.Preferences{}, err
	}

	c.storePreferences(ctx, userID, prefs)
	return prefs, nil
}

func (c *Cache) InsertTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	created, err := c.base.InsertTask(ctx, userID, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.evictTasks(ctx, userID)
	return created, nil
}

func (c *Cache) UpdateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	updated, err := c.base.UpdateTask(ctx, userID, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.evictTasks(ctx, userID)
	return updated, nil
}

func (c *Cache) DeleteTask(ctx context.Context, userID, taskID string) error {
	if err := c.base.DeleteTask(ctx, userID, taskID); err != nil {
		return err
	}
	c.evictTasks(ctx, userID)
	return nil
}

func (c *Cache) SavePreferences(ctx context.Context, userID string, p domain.Preferences) error {
	if err := c.base.SavePreferences(ctx, userID, p); err != nil {
		return err
	}
	c.evictPreferences(ctx, userID)
	return nil
}

func (c *Cache) EntityCreate(ctx context.Context, userID string, kind domain.EntityKind, data map[string]any) (json.RawMessage, error) {
	raw, err := c.base.EntityCreate(ctx, userID, kind, data)
	if err != nil {
		return nil, err
	}
	c.evictForKind(ctx, userID, kind)
	return raw, nil
}

func (c *Cache) EntityUpdate(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error) {
	raw, err := c.base.EntityUpdate(ctx, userID, kind, q)
	if err != nil {
		return nil, err
	}
	c.evictForKind(ctx, userID, kind)
	return raw, nil
}

func (c *Cache) EntityUpsert(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error) {
	raw, err := c.base.EntityUpsert(ctx, userID, kind, q)
	if err != nil {
		return nil, err
	}
	c.evictForKind(ctx, userID, kind)
	return raw, nil
}

func (c *Cache) EntityDelete(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error) {
	raw, err := c.base.EntityDelete(ctx, userID, kind, q)
	if err != nil {
		return nil, err
	}
	c.evictForKind(ctx, userID, kind)
	return raw, nil
}

func (c *Cache) EntityUpdateMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error) {
	n, err := c.base.EntityUpdateMany(ctx, userID, kind, q)
	if err != nil {
		return n, err
	}
	c.evictForKind(ctx, userID, kind)
	return n, nil
}

func (c *Cache) EntityDeleteMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error) {
	n, err := c.base.EntityDeleteMany(ctx, userID, kind, q)
	if err != nil {
		return n, err
	}
	c.evictForKind(ctx, userID, kind)
	return n, nil
}

func (c *Cache) loadTasksFromCache(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) loadPreferencesFromCache(ctx context.Context, userID string) (domain.Preferences, bool) {
	if c.redis == nil {
		return domain.Preferences{}, false
	}
	data, err := c.redis.Get(ctx, prefsCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, prefsCacheKey(userID)).Err()
		}
		return domain.Preferences{}, false
	}
	var prefs domain.Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		_ = c.redis.Del(ctx, prefsCacheKey(userID)).Err()
		return domain.Preferences{}, false
	}
	return prefs, true
}

func (c *Cache) storeTasks(ctx context.Context, userID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) storePreferences(ctx context.Context, userID string, prefs domain.Preferences) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, prefsCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) evictTasks(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
}

func (c *Cache) evictPreferences(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, prefsCacheKey(userID)).Err()
}

func (c *Cache) evictForKind(ctx context.Context, userID string, kind domain.EntityKind) {
	if kind == domain.KindTask {
		c.evictTasks(ctx, userID)
	}
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func prefsCacheKey(userID string) string {
	return "prefs:" + userID
}
