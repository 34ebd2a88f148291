package domain

import "fmt"

// EntityKind enumerates the persisted record kinds reachable through the
// entity-action bridge.
type EntityKind string

const (
	KindTask         EntityKind = "task"
	KindTimeInterval EntityKind = "timeInterval"
	KindTaskMutation EntityKind = "taskMutation"
)

// EntityKinds is the closed allow-list of bridge entity kinds.
var EntityKinds = []EntityKind{KindTask, KindTimeInterval, KindTaskMutation}

// Action enumerates the persistence operations the bridge forwards.
type Action string

const (
	ActionFindMany   Action = "findMany"
	ActionFindUnique Action = "findUnique"
	ActionFindFirst  Action = "findFirst"
	ActionCreate     Action = "create"
	ActionUpdate     Action = "update"
	ActionUpsert     Action = "upsert"
	ActionDelete     Action = "delete"
	ActionUpdateMany Action = "updateMany"
	ActionDeleteMany Action = "deleteMany"
	ActionAggregate  Action = "aggregate"
	ActionCount      Action = "count"
)

// Actions is the closed allow-list of bridge actions.
var Actions = []Action{
	ActionFindMany, ActionFindUnique, ActionFindFirst,
	ActionCreate, ActionUpdate, ActionUpsert, ActionDelete,
	ActionUpdateMany, ActionDeleteMany, ActionAggregate, ActionCount,
}

// ParseEntityKind validates a kind name against the allow-list. Anything
// unknown is a client error, never a silent no-op.
func ParseEntityKind(s string) (EntityKind, error) {
	for _, k := range EntityKinds {
		if s == string(k) {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid entity kind: %s is not in %v", s, EntityKinds)
}

// ParseAction validates an action name against the allow-list.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if s == string(a) {
			return a, nil
		}
	}
	return "", fmt.Errorf("invalid action: %s is not in %v", s, Actions)
}

// EntityFilter is the equality filter supported by bridge queries. Nil
// pointer fields are not filtered on.
type EntityFilter struct {
	ID     string `json:"id,omitempty"`
	TaskID string `json:"taskId,omitempty"`
	Open   *bool  `json:"open,omitempty"` // intervals with a null end
}

// EntityQuery carries the caller-supplied arguments of a bridge call. The
// bridge itself performs no schema validation on Data; shape correctness
// is between the caller and the persistence layer.
type EntityQuery struct {
	Where EntityFilter   `json:"where"`
	Data  map[string]any `json:"data,omitempty"`
	Take  int            `json:"take,omitempty"`
}

// Aggregation is the aggregate action's result.
type Aggregation struct {
	Count        int   `json:"count"`
	TotalSeconds int64 `json:"totalSeconds,omitempty"`
}
