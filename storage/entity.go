package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"tracktime-api/domain"
)

// ErrImmutable rejects writes against append-only audit records.
var ErrImmutable = errors.New("taskMutation records are immutable")

// ValidationError marks a malformed bridge query, as opposed to a
// persistence failure.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// The Entity* methods back the entity-action bridge: generic reads and
// writes over the three record kinds, scoped to one user's partition.
// Results are returned as raw JSON so the bridge can pass them through
// unchanged.

// EntityFindMany lists records matching the query filter.
func (s *Storage) EntityFindMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) ([]json.RawMessage, error) {
	items, err := s.fetchFiltered(ctx, userID, kind, q.Where)
	if err != nil {
		return nil, err
	}
	if q.Take > 0 && len(items) > q.Take {
		items = items[:q.Take]
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// EntityFindUnique fetches one record by id; nil when absent.
func (s *Storage) EntityFindUnique(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error) {
	if q.Where.ID == "" {
		return nil, ValidationError("findUnique requires where.id")
	}
	item, err := s.getByID(ctx, userID, kind, q.Where.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(item)
}

// EntityFindFirst returns the first matching record; nil when none match.
func (s *Storage) EntityFindFirst(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error) {
	items, err := s.fetchFiltered(ctx, userID, kind, q.Where)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return json.Marshal(items[0])
}

// EntityCreate inserts one record from the caller-supplied payload. Ids
// and timestamps are server-assigned as in the typed insert paths.
func (s *Storage) EntityCreate(ctx context.Context, userID string, kind domain.EntityKind, data map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	switch kind {
	case domain.KindTask:
		var t domain.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		created, err := s.InsertTask(ctx, userID, t)
		if err != nil {
			return nil, err
		}
		return json.Marshal(created)
	case domain.KindTimeInterval:
		var iv domain.TimeInterval
		if err := json.Unmarshal(payload, &iv); err != nil {
			return nil, err
		}
		created, err := s.InsertInterval(ctx, userID, iv)
		if err != nil {
			return nil, err
		}
		return json.Marshal(created)
	case domain.KindTaskMutation:
		var m domain.TaskMutation
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		created, err := s.InsertMutation(ctx, userID, m)
		if err != nil {
			return nil, err
		}
		return json.Marshal(created)
	}
	return nil, ValidationError("unknown entity kind")
}

// EntityUpdate merges the data payload over one record fetched by id.
func (s *Storage) EntityUpdate(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error) {
	if q.Where.ID == "" {
		return nil, ValidationError("update requires where.id")
	}
	item, err := s.updateByID(ctx, userID, kind, q.Where.ID, q.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(item)
}

// EntityUpsert updates the record when it exists and creates it otherwise.
func (s *Storage) EntityUpsert(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error) {
	if q.Where.ID != "" {
		if _, err := s.getByID(ctx, userID, kind, q.Where.ID); err == nil {
			return s.EntityUpdate(ctx, userID, kind, q)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.EntityCreate(ctx, userID, kind, q.Data)
}

// EntityDelete removes one record by id.
func (s *Storage) EntityDelete(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (json.RawMessage, error) {
	if q.Where.ID == "" {
		return nil, ValidationError("delete requires where.id")
	}
	item, err := s.getByID(ctx, userID, kind, q.Where.ID)
	if err != nil {
		return nil, err
	}
	if err := s.deleteRow(ctx, userID, kind, q.Where.ID); err != nil {
		return nil, err
	}
	return json.Marshal(item)
}

// EntityUpdateMany merges the data payload over every matching record and
// returns how many changed.
func (s *Storage) EntityUpdateMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error) {
	items, err := s.fetchFiltered(ctx, userID, kind, q.Where)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		if _, err := s.updateByID(ctx, userID, kind, idOf(item), q.Data); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// EntityDeleteMany removes every matching record and returns the count.
func (s *Storage) EntityDeleteMany(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error) {
	items, err := s.fetchFiltered(ctx, userID, kind, q.Where)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		if err := s.deleteRow(ctx, userID, kind, idOf(item)); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// EntityCount counts matching records.
func (s *Storage) EntityCount(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (int, error) {
	items, err := s.fetchFiltered(ctx, userID, kind, q.Where)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// EntityAggregate counts matching records and totals their seconds: the
// confirmed cumulative duration for tasks, the closed interval lengths for
// intervals. Mutations only count.
func (s *Storage) EntityAggregate(ctx context.Context, userID string, kind domain.EntityKind, q domain.EntityQuery) (domain.Aggregation, error) {
	items, err := s.fetchFiltered(ctx, userID, kind, q.Where)
	if err != nil {
		return domain.Aggregation{}, err
	}
	agg := domain.Aggregation{Count: len(items)}
	now := time.Now()
	for _, item := range items {
		switch v := item.(type) {
		case domain.Task:
			agg.TotalSeconds += v.TimeSpent
		case domain.TimeInterval:
			if !v.Running() {
				agg.TotalSeconds += v.Seconds(now)
			}
		}
	}
	return agg, nil
}

func idOf(item any) string {
	switch v := item.(type) {
	case domain.Task:
		return v.ID
	case domain.TimeInterval:
		return v.ID
	case domain.TaskMutation:
		return v.ID
	}
	return ""
}

func (s *Storage) fetchFiltered(ctx context.Context, userID string, kind domain.EntityKind, f domain.EntityFilter) ([]any, error) {
	switch kind {
	case domain.KindTask:
		filter := userFilter(userID)
		if id := firstNonEmpty(f.ID, f.TaskID); id != "" {
			filter += " and RowKey eq '" + id + "'"
		}
		pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
		return collect(ctx, pager, func(e taskEntity) any { return e.toTask() })
	case domain.KindTimeInterval:
		filter := userFilter(userID)
		if f.ID != "" {
			filter += " and RowKey eq '" + f.ID + "'"
		}
		if f.TaskID != "" {
			filter += " and TaskId eq '" + f.TaskID + "'"
		}
		if f.Open != nil {
			if *f.Open {
				filter += " and Open eq true"
			} else {
				filter += " and Open eq false"
			}
		}
		pager := s.intervalTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
		return collect(ctx, pager, func(e intervalEntity) any { return e.toInterval() })
	case domain.KindTaskMutation:
		filter := userFilter(userID)
		if f.ID != "" {
			filter += " and RowKey eq '" + f.ID + "'"
		}
		if f.TaskID != "" {
			filter += " and TaskId eq '" + f.TaskID + "'"
		}
		pager := s.mutationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
		return collect(ctx, pager, func(e mutationEntity) any { return e.toMutation() })
	}
	return nil, errors.New("unknown entity kind")
}

func collect[E any](ctx context.Context, pager *runtime.Pager[aztables.ListEntitiesResponse], conv func(E) any) ([]any, error) {
	items := []any{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent E
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			items = append(items, conv(ent))
		}
	}
	return items, nil
}

func (s *Storage) getByID(ctx context.Context, userID string, kind domain.EntityKind, id string) (any, error) {
	table := s.tableFor(kind)
	ent, err := table.GetEntity(ctx, userID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	switch kind {
	case domain.KindTask:
		var te taskEntity
		if err := json.Unmarshal(ent.Value, &te); err != nil {
			return nil, err
		}
		return te.toTask(), nil
	case domain.KindTimeInterval:
		var ie intervalEntity
		if err := json.Unmarshal(ent.Value, &ie); err != nil {
			return nil, err
		}
		return ie.toInterval(), nil
	default:
		var me mutationEntity
		if err := json.Unmarshal(ent.Value, &me); err != nil {
			return nil, err
		}
		return me.toMutation(), nil
	}
}

func (s *Storage) updateByID(ctx context.Context, userID string, kind domain.EntityKind, id string, data map[string]any) (any, error) {
	if kind == domain.KindTaskMutation {
		return nil, ErrImmutable
	}
	existing, err := s.getByID(ctx, userID, kind, id)
	if err != nil {
		return nil, err
	}
	switch kind {
	case domain.KindTask:
		var t domain.Task
		if err := mergeInto(existing, data, &t); err != nil {
			return nil, err
		}
		t.ID = id
		return s.UpdateTask(ctx, userID, t)
	default:
		var iv domain.TimeInterval
		if err := mergeInto(existing, data, &iv); err != nil {
			return nil, err
		}
		iv.ID = id
		payload, err := json.Marshal(toIntervalEntity(userID, iv))
		if err != nil {
			return nil, err
		}
		et := azcore.ETagAny
		if _, err := s.intervalTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace}); err != nil {
			return nil, err
		}
		return iv, nil
	}
}

func (s *Storage) deleteRow(ctx context.Context, userID string, kind domain.EntityKind, id string) error {
	if _, err := s.tableFor(kind).DeleteEntity(ctx, userID, id, nil); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func (s *Storage) tableFor(kind domain.EntityKind) *aztables.Client {
	switch kind {
	case domain.KindTask:
		return s.taskTable
	case domain.KindTimeInterval:
		return s.intervalTable
	default:
		return s.mutationTable
	}
}

// mergeInto overlays the sparse data payload on the existing record's JSON
// form and decodes the result.
func mergeInto(existing any, data map[string]any, out any) error {
	raw, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	for k, v := range data {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, out)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
