package domain

import (
	"testing"
	"time"
)

func TestSortTasksByTextCaseInsensitive(t *testing.T) {
	tasks := []Task{{ID: "1", Text: "banana"}, {ID: "2", Text: "Apple"}, {ID: "3", Text: "cherry"}}
	SortTasks(tasks, Preferences{OrderField: OrderByText})
	if tasks[0].ID != "2" || tasks[1].ID != "1" || tasks[2].ID != "3" {
		t.Fatalf("unexpected order: %v %v %v", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}

func TestSortTasksDescending(t *testing.T) {
	tasks := []Task{{ID: "1", TimeSpent: 10}, {ID: "2", TimeSpent: 30}, {ID: "3", TimeSpent: 20}}
	SortTasks(tasks, Preferences{OrderField: OrderByTimeSpent, OrderDesc: true})
	if tasks[0].ID != "2" || tasks[1].ID != "3" || tasks[2].ID != "1" {
		t.Fatalf("unexpected order: %v %v %v", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}

func TestSortTasksInvalidFieldFallsBackToCreatedAt(t *testing.T) {
	base := time.Unix(1700000000, 0)
	tasks := []Task{
		{ID: "1", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "2", CreatedAt: base},
		{ID: "3", CreatedAt: base.Add(time.Hour)},
	}
	SortTasks(tasks, Preferences{OrderField: "banana"})
	if tasks[0].ID != "2" || tasks[1].ID != "3" || tasks[2].ID != "1" {
		t.Fatalf("unexpected order: %v %v %v", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}

func TestSortTasksStableOnTies(t *testing.T) {
	tasks := []Task{{ID: "1", TimeSpent: 5}, {ID: "2", TimeSpent: 5}, {ID: "3", TimeSpent: 5}}
	SortTasks(tasks, Preferences{OrderField: OrderByTimeSpent})
	if tasks[0].ID != "1" || tasks[1].ID != "2" || tasks[2].ID != "3" {
		t.Fatalf("ties should keep input order: %v %v %v", tasks[0].ID, tasks[1].ID, tasks[2].ID)
	}
}
