package domain

import "fmt"

// Incident kinds reported to the audit queue.
const (
	IncidentPartialStop       = "partial-stop"
	IncidentDuplicateInterval = "duplicate-open-interval"
)

// Incident describes a detected consistency problem: a stop transition
// whose two writes only half succeeded, or more than one open interval
// found for a task. Incidents are reported for inspection, never acted on
// automatically.
type Incident struct {
	Kind      string `json:"kind"`
	UserID    string `json:"userId"`
	TaskID    string `json:"taskId"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ConsistencyError signals that stored state violates an invariant the
// persistence layer does not enforce. Callers surface it instead of
// silently repairing the data.
type ConsistencyError struct {
	TaskID string
	Detail string
}

func (e ConsistencyError) Error() string {
	return fmt.Sprintf("consistency error for task %s: %s", e.TaskID, e.Detail)
}
