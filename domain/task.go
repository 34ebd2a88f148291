package domain

import "time"

// Task represents a single to-do item with its accumulated tracked time.
type Task struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Done      bool      `json:"done"`
	TimeSpent int64     `json:"timeSpent"` // confirmed seconds across closed intervals
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TimeInterval is one continuous period during which a task's timer ran.
// A nil End marks the interval as currently running; at most one running
// interval may exist per task.
type TimeInterval struct {
	ID     string     `json:"id"`
	TaskID string     `json:"taskId"`
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
}

// Running reports whether the interval is still open.
func (i TimeInterval) Running() bool { return i.End == nil }

// Seconds returns the interval length in whole seconds, measuring open
// intervals up to now.
func (i TimeInterval) Seconds(now time.Time) int64 {
	end := now
	if i.End != nil {
		end = *i.End
	}
	s := int64(end.Sub(i.Start) / time.Second)
	if s < 0 {
		return 0
	}
	return s
}

// TaskMutation is an immutable audit record of one committed change to a
// task. Text and Done are nil when the corresponding field did not change;
// a record may carry either, both, or neither.
type TaskMutation struct {
	ID     string    `json:"id"`
	TaskID string    `json:"taskId"`
	At     time.Time `json:"at"`
	Text   *string   `json:"text,omitempty"`
	Done   *bool     `json:"done,omitempty"`
}
