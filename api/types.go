package api

import (
	"context"
	"encoding/json"
	"time"

	"tracktime-api/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	InsertTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, taskID string) error
	FetchIntervals(ctx context.Context, userID string) ([]domain.TimeInterval, error)
	CountIntervals(ctx context.Context, userID, taskID string) (int, error)
	DeleteIntervals(ctx context.Context, userID, taskID string) (int, error)
	FetchMutations(ctx context.Context, userID string) ([]domain.TaskMutation, error)
	InsertMutation(ctx context.Context, userID string, m domain.TaskMutation) (domain.TaskMutation, error)
	CountMutations(ctx context.Context, userID, taskID string) (int, error)
	DeleteMutations(ctx context.Context, userID, taskID string) (int, error)
	GetPreferences(ctx context.Context, userID string) (domain.Preferences, error)
	SavePreferences(ctx context.Context, userID string, p domain.Preferences) error
}

// EntityStore is the statically-typed surface behind the entity-action
// bridge endpoint.
type EntityStore interface {
	EntityFindMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) ([]json.RawMessage, error)
	EntityFindUnique(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error)
	EntityFindFirst(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error)
	EntityCreate(ctx context.Context, userID string, kind domain.EntityKind, data map[string]any) (json.RawMessage, error)
	EntityUpdate(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error)
	EntityUpsert(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error)
	EntityDelete(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error)
	EntityUpdateMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error)
	EntityDeleteMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error)
	EntityCount(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error)
	EntityAggregate(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (domain.Aggregation, error)
}

// Timer is the slice of the timekeeper the handlers drive.
type Timer interface {
	Start(ctx context.Context, userID, taskID string) (domain.TimeInterval, error)
	Stop(ctx context.Context, userID, taskID string) (domain.Task, error)
	StopIfRunning(ctx context.Context, userID, taskID string) (domain.Task, bool, error)
	Running(ctx context.Context, userID, taskID string) (bool, error)
	Elapsed(ctx context.Context, userID, taskID string, now time.Time) (int64, error)
	Watch(ctx context.Context, userID, taskID string) (<-chan int64, func(), error)
	Forget(userID, taskID string)
}

// IncidentSink receives consistency-incident reports.
type IncidentSink interface {
	ReportIncident(ctx context.Context, incident domain.Incident) error
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of replayed timer transitions.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
