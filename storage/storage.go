package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/google/uuid"

	"tracktime-api/domain"
)

// ErrNotFound is returned when a requested entity does not exist for the
// user.
var ErrNotFound = errors.New("not found")

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides access to underlying persistence mechanisms. Tasks,
// intervals, mutations and preferences live in Azure tables partitioned by
// user id; consistency incidents go to an audit queue.
type Storage struct {
	taskTable     *aztables.Client
	intervalTable *aztables.Client
	mutationTable *aztables.Client
	prefsTable    *aztables.Client
	auditQueue    queueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, intervalsTable, mutationsTable, prefsTable, auditQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	aq, err := azqueue.NewQueueClientFromConnectionString(connStr, auditQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:     svc.NewClient(tasksTable),
		intervalTable: svc.NewClient(intervalsTable),
		mutationTable: svc.NewClient(mutationsTable),
		prefsTable:    svc.NewClient(prefsTable),
		auditQueue:    aq,
	}, nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const edmInt64 = "Edm.Int64"

type taskEntity struct {
	entityKeys
	Text          string `json:"Text"`
	Done          bool   `json:"Done"`
	TimeSpent     int64  `json:"TimeSpent,string"`
	TimeSpentType string `json:"TimeSpent@odata.type"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type"`
}

func toTaskEntity(userID string, t domain.Task) taskEntity {
	return taskEntity{
		entityKeys:    entityKeys{PartitionKey: userID, RowKey: t.ID},
		Text:          t.Text,
		Done:          t.Done,
		TimeSpent:     t.TimeSpent,
		TimeSpentType: edmInt64,
		CreatedAt:     t.CreatedAt.UnixNano(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixNano(),
		UpdatedAtType: edmInt64,
	}
}

func (e taskEntity) toTask() domain.Task {
	return domain.Task{
		ID:        e.RowKey,
		Text:      e.Text,
		Done:      e.Done,
		TimeSpent: e.TimeSpent,
		CreatedAt: time.Unix(0, e.CreatedAt),
		UpdatedAt: time.Unix(0, e.UpdatedAt),
	}
}

type intervalEntity struct {
	entityKeys
	TaskID    string `json:"TaskId"`
	Open      bool   `json:"Open"`
	Start     int64  `json:"Start,string"`
	StartType string `json:"Start@odata.type"`
	End       int64  `json:"End,string"`
	EndType   string `json:"End@odata.type"`
}

func toIntervalEntity(userID string, iv domain.TimeInterval) intervalEntity {
	e := intervalEntity{
		entityKeys: entityKeys{PartitionKey: userID, RowKey: iv.ID},
		TaskID:     iv.TaskID,
		Open:       iv.End == nil,
		Start:      iv.Start.UnixNano(),
		StartType:  edmInt64,
		EndType:    edmInt64,
	}
	if iv.End != nil {
		e.End = iv.End.UnixNano()
	}
	return e
}

func (e intervalEntity) toInterval() domain.TimeInterval {
	iv := domain.TimeInterval{
		ID:     e.RowKey,
		TaskID: e.TaskID,
		Start:  time.Unix(0, e.Start),
	}
	if !e.Open {
		end := time.Unix(0, e.End)
		iv.End = &end
	}
	return iv
}

type mutationEntity struct {
	entityKeys
	TaskID  string  `json:"TaskId"`
	At      int64   `json:"At,string"`
	AtType  string  `json:"At@odata.type"`
	Text    *string `json:"Text,omitempty"`
	HasDone bool    `json:"HasDone"`
	Done    bool    `json:"Done"`
}

func toMutationEntity(userID string, m domain.TaskMutation) mutationEntity {
	e := mutationEntity{
		entityKeys: entityKeys{PartitionKey: userID, RowKey: m.ID},
		TaskID:     m.TaskID,
		At:         m.At.UnixNano(),
		AtType:     edmInt64,
		Text:       m.Text,
	}
	if m.Done != nil {
		e.HasDone = true
		e.Done = *m.Done
	}
	return e
}

func (e mutationEntity) toMutation() domain.TaskMutation {
	m := domain.TaskMutation{
		ID:     e.RowKey,
		TaskID: e.TaskID,
		At:     time.Unix(0, e.At),
		Text:   e.Text,
	}
	if e.HasDone {
		d := e.Done
		m.Done = &d
	}
	return m
}

type prefsEntity struct {
	entityKeys
	ShowDone   bool   `json:"ShowDone"`
	OrderField string `json:"OrderField"`
	OrderDesc  bool   `json:"OrderDesc"`
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func userFilter(userID string) string {
	return "PartitionKey eq '" + userID + "'"
}

// FetchTasks retrieves all tasks for the provided user, in no particular
// order; display ordering is the caller's concern.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := userFilter(userID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, ent.toTask())
		}
	}
	return tasks, nil
}

// GetTask retrieves one task owned by the user.
func (s *Storage) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	ent, err := s.taskTable.GetEntity(ctx, userID, taskID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}
	var te taskEntity
	if err := json.Unmarshal(ent.Value, &te); err != nil {
		return domain.Task{}, err
	}
	return te.toTask(), nil
}

// InsertTask stores a new task with a server-assigned id and timestamps.
func (s *Storage) InsertTask(ctx context.Context, userID string, task domain.Task) (domain.Task, error) {
	now := time.Now()
	task.ID = uuid.NewString()
	task.CreatedAt = now
	task.UpdatedAt = now
	payload, err := json.Marshal(toTaskEntity(userID, task))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// UpdateTask replaces the stored task, bumping its update timestamp.
func (s *Storage) UpdateTask(ctx context.Context, userID string, task domain.Task) (domain.Task, error) {
	task.UpdatedAt = time.Now()
	payload, err := json.Marshal(toTaskEntity(userID, task))
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}
	return task, nil
}

// DeleteTask removes the task row itself; associated intervals and
// mutations are the caller's cascade.
func (s *Storage) DeleteTask(ctx context.Context, userID, taskID string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, userID, taskID, nil); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// FetchIntervals returns the user's time intervals sorted descending by
// start. Table storage cannot order by arbitrary properties, so the
// descending contract the history merge relies on is established here.
func (s *Storage) FetchIntervals(ctx context.Context, userID string) ([]domain.TimeInterval, error) {
	ivs, err := s.listIntervals(ctx, userFilter(userID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ivs, func(i, j int) bool { return ivs[i].Start.After(ivs[j].Start) })
	return ivs, nil
}

// OpenIntervals returns the task's currently open intervals. More than one
// is a consistency violation for the caller to surface.
func (s *Storage) OpenIntervals(ctx context.Context, userID, taskID string) ([]domain.TimeInterval, error) {
	return s.listIntervals(ctx, userFilter(userID)+" and TaskId eq '"+taskID+"' and Open eq true")
}

// CountIntervals reports how many intervals are recorded for a task, used
// by the deletion confirmation flow.
func (s *Storage) CountIntervals(ctx context.Context, userID, taskID string) (int, error) {
	ivs, err := s.listIntervals(ctx, userFilter(userID)+" and TaskId eq '"+taskID+"'")
	if err != nil {
		return 0, err
	}
	return len(ivs), nil
}

func (s *Storage) listIntervals(ctx context.Context, filter string) ([]domain.TimeInterval, error) {
	pager := s.intervalTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ivs := []domain.TimeInterval{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent intervalEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ivs = append(ivs, ent.toInterval())
		}
	}
	return ivs, nil
}

// InsertInterval stores a new interval with a server-assigned id.
func (s *Storage) InsertInterval(ctx context.Context, userID string, iv domain.TimeInterval) (domain.TimeInterval, error) {
	iv.ID = uuid.NewString()
	if iv.Start.IsZero() {
		iv.Start = time.Now()
	}
	payload, err := json.Marshal(toIntervalEntity(userID, iv))
	if err != nil {
		return domain.TimeInterval{}, err
	}
	if _, err := s.intervalTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.TimeInterval{}, err
	}
	return iv, nil
}

// CloseInterval sets the interval's end timestamp. Closing an already
// closed interval fails rather than moving its end.
func (s *Storage) CloseInterval(ctx context.Context, userID, intervalID string, end time.Time) (domain.TimeInterval, error) {
	ent, err := s.intervalTable.GetEntity(ctx, userID, intervalID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.TimeInterval{}, ErrNotFound
		}
		return domain.TimeInterval{}, err
	}
	var ie intervalEntity
	if err := json.Unmarshal(ent.Value, &ie); err != nil {
		return domain.TimeInterval{}, err
	}
	if !ie.Open {
		return domain.TimeInterval{}, domain.ConsistencyError{TaskID: ie.TaskID, Detail: "interval " + intervalID + " already closed"}
	}
	ie.Open = false
	ie.End = end.UnixNano()
	ie.EndType = edmInt64
	payload, err := json.Marshal(ie)
	if err != nil {
		return domain.TimeInterval{}, err
	}
	et := azcore.ETagAny
	if _, err := s.intervalTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return domain.TimeInterval{}, err
	}
	return ie.toInterval(), nil
}

// DeleteIntervals removes every interval of a task and returns how many
// went away.
func (s *Storage) DeleteIntervals(ctx context.Context, userID, taskID string) (int, error) {
	ivs, err := s.listIntervals(ctx, userFilter(userID)+" and TaskId eq '"+taskID+"'")
	if err != nil {
		return 0, err
	}
	for i, iv := range ivs {
		if _, err := s.intervalTable.DeleteEntity(ctx, userID, iv.ID, nil); err != nil && !isNotFound(err) {
			return i, err
		}
	}
	return len(ivs), nil
}

// FetchMutations returns the user's task mutations sorted descending by
// their at timestamp, same contract as FetchIntervals.
func (s *Storage) FetchMutations(ctx context.Context, userID string) ([]domain.TaskMutation, error) {
	ms, err := s.listMutations(ctx, userFilter(userID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].At.After(ms[j].At) })
	return ms, nil
}

func (s *Storage) listMutations(ctx context.Context, filter string) ([]domain.TaskMutation, error) {
	pager := s.mutationTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ms := []domain.TaskMutation{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent mutationEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ms = append(ms, ent.toMutation())
		}
	}
	return ms, nil
}

// InsertMutation stores a new audit record with a server-assigned id and,
// unless provided, timestamp.
func (s *Storage) InsertMutation(ctx context.Context, userID string, m domain.TaskMutation) (domain.TaskMutation, error) {
	m.ID = uuid.NewString()
	if m.At.IsZero() {
		m.At = time.Now()
	}
	payload, err := json.Marshal(toMutationEntity(userID, m))
	if err != nil {
		return domain.TaskMutation{}, err
	}
	if _, err := s.mutationTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.TaskMutation{}, err
	}
	return m, nil
}

// CountMutations reports how many mutation records a task has.
func (s *Storage) CountMutations(ctx context.Context, userID, taskID string) (int, error) {
	ms, err := s.listMutations(ctx, userFilter(userID)+" and TaskId eq '"+taskID+"'")
	if err != nil {
		return 0, err
	}
	return len(ms), nil
}

// DeleteMutations removes every mutation of a task.
func (s *Storage) DeleteMutations(ctx context.Context, userID, taskID string) (int, error) {
	ms, err := s.listMutations(ctx, userFilter(userID)+" and TaskId eq '"+taskID+"'")
	if err != nil {
		return 0, err
	}
	for i, m := range ms {
		if _, err := s.mutationTable.DeleteEntity(ctx, userID, m.ID, nil); err != nil && !isNotFound(err) {
			return i, err
		}
	}
	return len(ms), nil
}

// GetPreferences returns the user's display preferences, falling back to
// defaults when none are stored yet.
func (s *Storage) GetPreferences(ctx context.Context, userID string) (domain.Preferences, error) {
	ent, err := s.prefsTable.GetEntity(ctx, userID, userID, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.DefaultPreferences(), nil
		}
		return domain.Preferences{}, err
	}
	return decodePrefsEntity(ent.Value)
}

func decodePrefsEntity(data []byte) (domain.Preferences, error) {
	var pe prefsEntity
	if err := json.Unmarshal(data, &pe); err != nil {
		return domain.Preferences{}, err
	}
	p := domain.Preferences{ShowDone: pe.ShowDone, OrderField: pe.OrderField, OrderDesc: pe.OrderDesc}
	if !domain.ValidOrderField(p.OrderField) {
		p.OrderField = domain.OrderByCreatedAt
	}
	return p, nil
}

// SavePreferences stores the user's display preferences.
func (s *Storage) SavePreferences(ctx context.Context, userID string, p domain.Preferences) error {
	payload, err := json.Marshal(prefsEntity{
		entityKeys: entityKeys{PartitionKey: userID, RowKey: userID},
		ShowDone:   p.ShowDone,
		OrderField: p.OrderField,
		OrderDesc:  p.OrderDesc,
	})
	if err != nil {
		return err
	}
	_, err = s.prefsTable.UpsertEntity(ctx, payload, nil)
	return err
}

// ReportIncident enqueues a consistency incident on the audit queue.
func (s *Storage) ReportIncident(ctx context.Context, incident domain.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return err
	}
	_, err = s.auditQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
