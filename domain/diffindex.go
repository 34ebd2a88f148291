package domain

// TextRevision is one text-carrying mutation in a task's revision list.
type TextRevision struct {
	MutationID string
	Text       string
}

// PreviousTextIndex maps a task id to its text revisions in the order the
// mutations were supplied (newest first when built from a descending
// fetch). It answers "what did the text say before this mutation?" for the
// history diff view and is rebuilt whenever the mutation collection is
// reloaded.
type PreviousTextIndex map[string][]TextRevision

// BuildPreviousTextIndex builds the index in a single pass, keeping only
// mutations that carry changed text. Done-only mutations are skipped since
// the done flag is just inverted and needs no diff.
func BuildPreviousTextIndex(mutations []TaskMutation) PreviousTextIndex {
	idx := PreviousTextIndex{}
	for _, m := range mutations {
		if m.Text == nil {
			continue
		}
		idx[m.TaskID] = append(idx[m.TaskID], TextRevision{MutationID: m.ID, Text: *m.Text})
	}
	return idx
}

// PreviousText returns the text the task carried before the given
// mutation: the next-older revision in the task's list. Revisions are
// matched by mutation id, so two mutations sharing a timestamp stay
// distinguishable. Returns "" when the mutation is the task's earliest
// text change or is not in the index; a miss degrades to an empty diff
// rather than failing the caller.
func (idx PreviousTextIndex) PreviousText(taskID, mutationID string) string {
	revs := idx[taskID]
	for i, r := range revs {
		if r.MutationID == mutationID {
			if i+1 < len(revs) {
				return revs[i+1].Text
			}
			return ""
		}
	}
	return ""
}
