package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroTimeSpent(t *testing.T) {
	task := Task{ID: "t1", Text: "Write report", TimeSpent: 0}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"timeSpent\":0") {
		t.Fatalf("expected timeSpent field to be present, got %s", payload)
	}
}

func TestTimeIntervalMarshalOmitsNilEnd(t *testing.T) {
	iv := TimeInterval{ID: "i1", TaskID: "t1", Start: time.Now()}

	payload, err := sonic.Marshal(iv)
	if err != nil {
		t.Fatalf("marshal interval: %v", err)
	}
	if strings.Contains(string(payload), "\"end\"") {
		t.Fatalf("expected end to be omitted while running, got %s", payload)
	}
	if !iv.Running() {
		t.Fatal("interval with nil end should report Running")
	}
}

func TestIntervalSecondsClampsClockSkew(t *testing.T) {
	start := time.Now()
	end := start.Add(-3 * time.Second)
	iv := TimeInterval{Start: start, End: &end}
	if got := iv.Seconds(time.Now()); got != 0 {
		t.Fatalf("expected skewed interval to clamp to 0, got %d", got)
	}
}
