package domain

import (
	"sort"
	"strings"
)

// SortTasks orders tasks in place according to the user's preferences.
// Ties keep their current relative order. Unknown order fields fall back
// to creation time.
func SortTasks(tasks []Task, p Preferences) {
	field := p.OrderField
	if !ValidOrderField(field) {
		field = OrderByCreatedAt
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		less := taskLess(tasks[i], tasks[j], field)
		if p.OrderDesc {
			return taskLess(tasks[j], tasks[i], field)
		}
		return less
	})
}

func taskLess(a, b Task, field string) bool {
	switch field {
	case OrderByUpdatedAt:
		return a.UpdatedAt.Before(b.UpdatedAt)
	case OrderByText:
		return strings.ToLower(a.Text) < strings.ToLower(b.Text)
	case OrderByTimeSpent:
		return a.TimeSpent < b.TimeSpent
	default:
		return a.CreatedAt.Before(b.CreatedAt)
	}
}
