package storage

import (
	"encoding/json"
	"testing"
	"time"

	"tracktime-api/domain"
)

func TestDecodePrefsEntity(t *testing.T) {
	data := []byte(`{"PartitionKey":"u1","RowKey":"u1","ShowDone":true,"OrderField":"text","OrderDesc":true}`)
	p, err := decodePrefsEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.ShowDone || p.OrderField != domain.OrderByText || !p.OrderDesc {
		t.Fatalf("unexpected preferences: %+v", p)
	}
}

func TestDecodePrefsEntityInvalidOrderFieldFallsBack(t *testing.T) {
	data := []byte(`{"PartitionKey":"u1","RowKey":"u1","OrderField":"banana"}`)
	p, err := decodePrefsEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.OrderField != domain.OrderByCreatedAt {
		t.Fatalf("expected fallback order field, got %q", p.OrderField)
	}
}

func TestIntervalEntityOpenFlag(t *testing.T) {
	start := time.Unix(0, 1700000000000000000)
	open := toIntervalEntity("u1", domain.TimeInterval{ID: "i1", TaskID: "t1", Start: start})
	if !open.Open {
		t.Fatalf("running interval should be marked open")
	}
	if got := open.toInterval(); got.End != nil || !got.Start.Equal(start) {
		t.Fatalf("unexpected open interval: %+v", got)
	}

	end := start.Add(90 * time.Second)
	closed := toIntervalEntity("u1", domain.TimeInterval{ID: "i2", TaskID: "t1", Start: start, End: &end})
	if closed.Open {
		t.Fatalf("closed interval should not be marked open")
	}
	got := closed.toInterval()
	if got.End == nil || !got.End.Equal(end) {
		t.Fatalf("unexpected closed interval: %+v", got)
	}
	if got.Seconds(time.Now()) != 90 {
		t.Fatalf("unexpected seconds: %d", got.Seconds(time.Now()))
	}
}

func TestIntervalEntityInt64FieldsMarshalAsEdmStrings(t *testing.T) {
	start := time.Unix(0, 1700000000000000000)
	data, err := json.Marshal(toIntervalEntity("u1", domain.TimeInterval{ID: "i1", TaskID: "t1", Start: start}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["Start"] != "1700000000000000000" {
		t.Fatalf("Start should serialize as a string, got %v", raw["Start"])
	}
	if raw["Start@odata.type"] != "Edm.Int64" {
		t.Fatalf("missing Edm.Int64 annotation: %v", raw["Start@odata.type"])
	}
}

func TestMutationEntityTriStateDone(t *testing.T) {
	at := time.Unix(0, 1700000000000000000)
	text := "renamed"

	textOnly := toMutationEntity("u1", domain.TaskMutation{ID: "m1", TaskID: "t1", At: at, Text: &text})
	if textOnly.HasDone {
		t.Fatalf("text-only mutation should not carry a done flag")
	}
	if got := textOnly.toMutation(); got.Done != nil || got.Text == nil || *got.Text != text {
		t.Fatalf("unexpected text mutation: %+v", got)
	}

	done := false
	doneOnly := toMutationEntity("u1", domain.TaskMutation{ID: "m2", TaskID: "t1", At: at, Done: &done})
	if !doneOnly.HasDone || doneOnly.Done {
		t.Fatalf("unexpected done encoding: %+v", doneOnly)
	}
	got := doneOnly.toMutation()
	if got.Done == nil || *got.Done || got.Text != nil {
		t.Fatalf("unexpected done mutation: %+v", got)
	}
}

func TestMergeIntoOverlaysSparseData(t *testing.T) {
	existing := domain.Task{ID: "t1", Text: "before", Done: false, TimeSpent: 120}
	var merged domain.Task
	if err := mergeInto(existing, map[string]any{"done": true}, &merged); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !merged.Done {
		t.Fatalf("done flag should be overlaid")
	}
	if merged.Text != "before" || merged.TimeSpent != 120 {
		t.Fatalf("untouched fields should survive the merge: %+v", merged)
	}
}
