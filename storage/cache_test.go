package storage

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tracktime-api/domain"
)

type stubBackend struct {
	fetchTasksFn       func(ctx context.Context, userID string) ([]domain.Task, error)
	getPreferencesFn   func(ctx context.Context, userID string) (domain.Preferences, error)
	insertTaskFn       func(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	updateTaskFn       func(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	deleteTaskFn       func(ctx context.Context, userID, taskID string) error
	savePreferencesFn  func(ctx context.Context, userID string, p domain.Preferences) error
	entityDeleteManyFn func(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error)
}

func (s *stubBackend) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if s.fetchTasksFn == nil {
		return nil, errors.New("unexpected FetchTasks call")
	}
	return s.fetchTasksFn(ctx, userID)
}

func (s *stubBackend) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	if s.getPreferencesFn == nil {
		return domain.Preferences{}, errors.New("unexpected GetPreferences call")
	}
	return s.getPreferencesFn(ctx, userID)
}

func (s *stubBackend) InsertTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	if s.insertTaskFn == nil {
		return domain.Task{}, errors.New("unexpected InsertTask call")
	}
	return s.insertTaskFn(ctx, userID, t)
}

func (s *stubBackend) UpdateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	if s.updateTaskFn == nil {
		return domain.Task{}, errors.New("unexpected UpdateTask call")
	}
	return s.updateTaskFn(ctx, userID, t)
}

func (s *stubBackend) DeleteTask(ctx context.Context, userID, taskID string) error {
	if s.deleteTaskFn == nil {
		return errors.New("unexpected DeleteTask call")
	}
	return s.deleteTaskFn(ctx, userID, taskID)
}

func (s *stubBackend) SavePreferences(ctx context.Context, userID string, p domain.Preferences) error {
	if s.savePreferencesFn == nil {
		return errors.New("unexpected SavePreferences call")
	}
	return s.savePreferencesFn(ctx, userID, p)
}

func (s *stubBackend) EntityCreate(context.Context, string, domain.EntityKind, map[string]any) (json.RawMessage, error) {
	return nil, errors.New("unexpected EntityCreate call")
}

func (s *stubBackend) EntityUpdate(context.Context, string, domain.EntityKind, domain.EntityQuery) (json.RawMessage, error) {
	return nil, errors.New("unexpected EntityUpdate call")
}

func (s *stubBackend) EntityUpsert(context.Context, string, domain.EntityKind, domain.EntityQuery) (json.RawMessage, error) {
	return nil, errors.New("unexpected EntityUpsert call")
}

func (s *stubBackend) EntityDelete(context.Context, string, domain.EntityKind, domain.EntityQuery) (json.RawMessage, error) {
	return nil, errors.New("unexpected EntityDelete call")
}

func (s *stubBackend) EntityUpdateMany(context.Context, string, domain.EntityKind, domain.EntityQuery) (int, error) {
	return 0, errors.New("unexpected EntityUpdateMany call")
}

func (s *stubBackend) EntityDeleteMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error) {
	if s.entityDeleteManyFn == nil {
		return 0, errors.New("unexpected EntityDeleteMany call")
	}
	return s.entityDeleteManyFn(ctx, userID, kind, q)
}

func newTestCache(t *testing.T, base backend) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewCache(base, client, time.Minute), mr
}

func TestCacheFetchTasksMissThenHit(t *testing.T) {
	ctx := context.Background()
	userID := "user-1"
	expected := []domain.Task{{ID: "t1", Text: "Write code"}}

	var calls int
	cache, mr := newTestCache(t, &stubBackend{
		fetchTasksFn: func(ctx context.Context, uid string) ([]domain.Task, error) {
			calls++
			if uid != userID {
				t.Fatalf("unexpected user id: %s", uid)
			}
			return append([]domain.Task(nil), expected...), nil
		},
	})

	tasks, err := cache.FetchTasks(ctx, userID)
	if err != nil {
		t.Fatalf("fetch tasks: %v", err)
	}
	if !reflect.DeepEqual(tasks, expected) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", calls)
	}
	if ttl := mr.TTL(tasksCacheKey(userID)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.FetchTasks(ctx, userID)
	if err != nil {
		t.Fatalf("fetch cached tasks: %v", err)
	}
	if !reflect.DeepEqual(cached, expected) {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheGetPreferencesMissThenHit(t *testing.T) {
	ctx := context.Background()
	userID := "user-prefs"
	expected := domain.Preferences{ShowDone: true, OrderField: domain.OrderByText, OrderDesc: true}

	var calls int
	cache, mr := newTestCache(t, &stubBackend{
		getPreferencesFn: func(ctx context.Context, uid string) (domain.Preferences, error) {
			calls++
			if uid != userID {
				t.Fatalf("unexpected user id: %s", uid)
			}
			return expected, nil
		},
	})

	prefs, err := cache.GetPreferences(ctx, userID)
	if err != nil {
		t.Fatalf("get preferences: %v", err)
	}
	if prefs != expected {
		t.Fatalf("unexpected preferences: %#v", prefs)
	}
	if calls != 1 {
		t.Fatalf("expected 1 backend call, got %d", calls)
	}
	if ttl := mr.TTL(prefsCacheKey(userID)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.GetPreferences(ctx, userID)
	if err != nil {
		t.Fatalf("get cached preferences: %v", err)
	}
	if cached != expected {
		t.Fatalf("unexpected cached preferences: %#v", cached)
	}
	if calls != 1 {
		t.Fatalf("expected cached fetch to avoid backend, calls=%d", calls)
	}
}

func TestCacheUpdateTaskEvictsTasks(t *testing.T) {
	ctx := context.Background()
	userID := "evict-user"
	before := []domain.Task{{ID: "t1", Text: "before"}}
	after := []domain.Task{{ID: "t1", Text: "after"}}

	responses := [][]domain.Task{before, after}
	var fetchCalls int
	cache, mr := newTestCache(t, &stubBackend{
		fetchTasksFn: func(context.Context, string) ([]domain.Task, error) {
			res := append([]domain.Task(nil), responses[fetchCalls]...)
			fetchCalls++
			return res, nil
		},
		updateTaskFn: func(ctx context.Context, uid string, task domain.Task) (domain.Task, error) {
			return task, nil
		},
	})

	if _, err := cache.FetchTasks(ctx, userID); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	if !mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("expected tasks cached after initial fetch")
	}

	if _, err := cache.UpdateTask(ctx, userID, after[0]); err != nil {
		t.Fatalf("update task: %v", err)
	}
	if mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("tasks cache should be evicted after update")
	}

	next, err := cache.FetchTasks(ctx, userID)
	if err != nil {
		t.Fatalf("fetch after update: %v", err)
	}
	if !reflect.DeepEqual(next, after) {
		t.Fatalf("unexpected tasks after update: %#v", next)
	}
	if fetchCalls != 2 {
		t.Fatalf("expected 2 backend fetches, got %d", fetchCalls)
	}
}

func TestCacheUpdateTaskErrorPreservesCache(t *testing.T) {
	ctx := context.Background()
	userID := "evict-error"

	cache, mr := newTestCache(t, &stubBackend{
		updateTaskFn: func(context.Context, string, domain.Task) (domain.Task, error) {
			return domain.Task{}, errors.New("boom")
		},
	})

	if err := cache.redis.Set(ctx, tasksCacheKey(userID), []byte("[]"), time.Hour).Err(); err != nil {
		t.Fatalf("seed tasks cache: %v", err)
	}

	if _, err := cache.UpdateTask(ctx, userID, domain.Task{ID: "t1"}); err == nil {
		t.Fatalf("expected update error")
	}
	if !mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("tasks cache should remain on error")
	}
}

func TestCacheSavePreferencesEvicts(t *testing.T) {
	ctx := context.Background()
	userID := "prefs-evict"

	cache, mr := newTestCache(t, &stubBackend{
		savePreferencesFn: func(context.Context, string, domain.Preferences) error { return nil },
	})

	if err := cache.redis.Set(ctx, prefsCacheKey(userID), []byte("{}"), time.Hour).Err(); err != nil {
		t.Fatalf("seed prefs cache: %v", err)
	}
	if err := cache.redis.Set(ctx, tasksCacheKey(userID), []byte("[]"), time.Hour).Err(); err != nil {
		t.Fatalf("seed tasks cache: %v", err)
	}

	if err := cache.SavePreferences(ctx, userID, domain.DefaultPreferences()); err != nil {
		t.Fatalf("save preferences: %v", err)
	}
	if mr.Exists(prefsCacheKey(userID)) {
		t.Fatalf("prefs cache should be evicted")
	}
	if !mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("tasks cache should survive a preferences write")
	}
}

func TestCacheBridgeWriteEvictsTaskKindOnly(t *testing.T) {
	ctx := context.Background()
	userID := "bridge-user"

	cache, mr := newTestCache(t, &stubBackend{
		entityDeleteManyFn: func(context.Context, string, domain.EntityKind, domain.EntityQuery) (int, error) {
			return 1, nil
		},
	})

	seed := func() {
		if err := cache.redis.Set(ctx, tasksCacheKey(userID), []byte("[]"), time.Hour).Err(); err != nil {
			t.Fatalf("seed tasks cache: %v", err)
		}
	}

	seed()
	if _, err := cache.EntityDeleteMany(ctx, userID, domain.KindTimeInterval, domain.EntityQuery{}); err != nil {
		t.Fatalf("delete intervals: %v", err)
	}
	if !mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("interval writes should not evict the task cache")
	}

	if _, err := cache.EntityDeleteMany(ctx, userID, domain.KindTask, domain.EntityQuery{}); err != nil {
		t.Fatalf("delete tasks: %v", err)
	}
	if mr.Exists(tasksCacheKey(userID)) {
		t.Fatalf("task writes should evict the task cache")
	}
}
