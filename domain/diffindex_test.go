package domain

import (
	"testing"
	"time"
)

func textMutation(id, taskID string, at time.Time, text string) TaskMutation {
	return TaskMutation{ID: id, TaskID: taskID, At: at, Text: &text}
}

func TestPreviousTextLookup(t *testing.T) {
	t1 := ts("2021-03-02T09:00:00Z")
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)
	// stored descending, as fetched
	mutations := []TaskMutation{
		textMutation("m3", "t1", t3, "c"),
		textMutation("m2", "t1", t2, "b"),
		textMutation("m1", "t1", t1, "a"),
	}

	idx := BuildPreviousTextIndex(mutations)
	if got := idx.PreviousText("t1", "m3"); got != "b" {
		t.Errorf("previous of m3 = %q, want %q", got, "b")
	}
	if got := idx.PreviousText("t1", "m2"); got != "a" {
		t.Errorf("previous of m2 = %q, want %q", got, "a")
	}
	if got := idx.PreviousText("t1", "m1"); got != "" {
		t.Errorf("previous of earliest mutation = %q, want empty", got)
	}
}

func TestPreviousTextDisambiguatesSharedTimestamps(t *testing.T) {
	at := ts("2021-03-02T09:00:00Z")
	mutations := []TaskMutation{
		textMutation("m2", "t1", at, "new"),
		textMutation("m1", "t1", at, "old"),
	}

	idx := BuildPreviousTextIndex(mutations)
	if got := idx.PreviousText("t1", "m2"); got != "old" {
		t.Errorf("previous of m2 = %q, want %q", got, "old")
	}
	if got := idx.PreviousText("t1", "m1"); got != "" {
		t.Errorf("previous of m1 = %q, want empty", got)
	}
}

func TestPreviousTextSkipsDoneOnlyMutations(t *testing.T) {
	done := true
	at := ts("2021-03-02T09:00:00Z")
	mutations := []TaskMutation{
		textMutation("m2", "t1", at.Add(2*time.Hour), "after"),
		{ID: "md", TaskID: "t1", At: at.Add(time.Hour), Done: &done},
		textMutation("m1", "t1", at, "before"),
	}

	idx := BuildPreviousTextIndex(mutations)
	if got := idx.PreviousText("t1", "m2"); got != "before" {
		t.Errorf("previous of m2 = %q, want %q (done-only record skipped)", got, "before")
	}
	if len(idx["t1"]) != 2 {
		t.Fatalf("expected 2 revisions indexed, got %d", len(idx["t1"]))
	}
}

func TestPreviousTextMissDegradesToEmpty(t *testing.T) {
	idx := BuildPreviousTextIndex(nil)
	if got := idx.PreviousText("unknown", "m1"); got != "" {
		t.Fatalf("lookup miss = %q, want empty", got)
	}
}
