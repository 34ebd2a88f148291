package api

import (
	"time"

	"tracktime-api/domain"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

// POST/PUT /api/tasks request body. Pointer fields distinguish "absent"
// from zero values so updates can be sparse.
type taskRequest struct {
	Text *string `json:"text"`
	Done *bool   `json:"done"`
}

// Task as rendered in list responses: the stored record plus live timer
// state.
type taskView struct {
	domain.Task
	Running          bool   `json:"running"`
	ElapsedSeconds   int64  `json:"elapsedSeconds"`
	TimeSpentDisplay string `json:"timeSpentDisplay"`
}

type tasksResponse struct {
	Tasks []taskView `json:"tasks"`
}

// DELETE /api/tasks/:id conflict body, returned with 409 when the task has
// recorded history and the request did not confirm the cascade.
type deleteConflictResponse struct {
	Error     string `json:"error"`
	Intervals int    `json:"intervals"`
	Mutations int    `json:"mutations"`
}

type historyEntryView struct {
	Type     string     `json:"type"` // "interval" or "mutation"
	TaskID   string     `json:"taskId"`
	TaskText string     `json:"taskText,omitempty"`
	At       time.Time  `json:"at"`
	End      *time.Time `json:"end,omitempty"`
	Seconds  int64      `json:"seconds,omitempty"`
	Display  string     `json:"display,omitempty"`
	Text     *string    `json:"text,omitempty"`
	OldText  string     `json:"oldText,omitempty"`
	Done     *bool      `json:"done,omitempty"`
}

type historyGroupView struct {
	Date    string             `json:"date"`
	Entries []historyEntryView `json:"entries"`
}

type historyResponse struct {
	Groups []historyGroupView `json:"groups"`
}

// Timer transition and stream event body.
type timerResponse struct {
	TaskID         string `json:"taskId"`
	Running        bool   `json:"running"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
	Display        string `json:"display"`
}

// Bridge count-style responses.
type countResponse struct {
	Count int `json:"count"`
}
