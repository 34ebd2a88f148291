package domain

import "time"

// HistoryEntry is the merged union of TimeInterval and TaskMutation
// records. Exactly one of Interval and Mutation is set.
type HistoryEntry struct {
	Interval *TimeInterval `json:"interval,omitempty"`
	Mutation *TaskMutation `json:"mutation,omitempty"`
}

// At returns the entry's merge key. Intervals are keyed by when they
// began, not when they ended; the start time is also what the history
// view shows as the entry's time badge.
func (e HistoryEntry) At() time.Time {
	if e.Interval != nil {
		return e.Interval.Start
	}
	return e.Mutation.At
}

// TaskID returns the id of the task the entry belongs to.
func (e HistoryEntry) TaskID() string {
	if e.Interval != nil {
		return e.Interval.TaskID
	}
	return e.Mutation.TaskID
}

// MergeHistory merges intervals (sorted descending by start) and mutations
// (sorted descending by at) into one sequence sorted descending by key.
// Both inputs being pre-sorted makes this a two-cursor linear merge, O(n+m);
// no element is re-sorted. On exactly equal keys the interval is emitted
// before the mutation so the result is deterministic.
func MergeHistory(intervals []TimeInterval, mutations []TaskMutation) []HistoryEntry {
	merged := make([]HistoryEntry, 0, len(intervals)+len(mutations))
	i, m := 0, 0
	for i < len(intervals) && m < len(mutations) {
		if !intervals[i].Start.Before(mutations[m].At) {
			merged = append(merged, HistoryEntry{Interval: &intervals[i]})
			i++
		} else {
			merged = append(merged, HistoryEntry{Mutation: &mutations[m]})
			m++
		}
	}
	for ; i < len(intervals); i++ {
		merged = append(merged, HistoryEntry{Interval: &intervals[i]})
	}
	for ; m < len(mutations); m++ {
		merged = append(merged, HistoryEntry{Mutation: &mutations[m]})
	}
	return merged
}

// HistoryGroup is one calendar date's worth of history entries, newest
// first.
type HistoryGroup struct {
	Date    string         `json:"date"`
	Entries []HistoryEntry `json:"entries"`
}

const groupDateLayout = "2006-01-02"

// GroupByDate buckets an already descending entry sequence by the local
// calendar date of each entry's key, in the given location. Grouping is
// purely adjacency based: a new group starts whenever an entry's date
// differs from the previous entry's date. The input is never re-sorted, so
// for sorted input each date appears in exactly one group.
func GroupByDate(entries []HistoryEntry, loc *time.Location) []HistoryGroup {
	if loc == nil {
		loc = time.Local
	}
	groups := []HistoryGroup{}
	for _, e := range entries {
		date := e.At().In(loc).Format(groupDateLayout)
		if len(groups) == 0 || groups[len(groups)-1].Date != date {
			groups = append(groups, HistoryGroup{Date: date})
		}
		g := &groups[len(groups)-1]
		g.Entries = append(g.Entries, e)
	}
	return groups
}
