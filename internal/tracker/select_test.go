package tracker

import (
	"testing"
	"time"
)

func task(id string, labels []string, closed bool) Task {
	return Task{ID: id, Title: "task " + id, Labels: labels, Closed: closed}
}

func TestEligible(t *testing.T) {
	filter := Filter{
		RequireLabels: []string{"ready"},
		ExcludeLabels: []string{"blocked"},
		SkipDrafts:    true,
	}

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"open with required label", task("1", []string{"ready"}, false), true},
		{"closed task", task("2", []string{"ready"}, true), false},
		{"missing required label", task("3", []string{"bug"}, false), false},
		{"carries excluded label", task("4", []string{"ready", "blocked"}, false), false},
		{"draft skipped", Task{ID: "5", Labels: []string{"ready"}, Draft: true}, false},
		{"no labels at all", task("6", nil, false), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eligible(&tt.task, filter); got != tt.want {
				t.Errorf("Eligible(%s) = %v, want %v", tt.task.ID, got, tt.want)
			}
		})
	}
}

func TestSelectNextOrdering(t *testing.T) {
	now := time.Now()
	filter := Filter{RequireLabels: []string{"ready"}}

	t.Run("highest priority label wins", func(t *testing.T) {
		tasks := []Task{
			task("10", []string{"ready", "priority:1"}, false),
			task("3", []string{"ready", "priority:3"}, false),
			task("7", []string{"ready", "priority:2"}, false),
		}
		selected, status := SelectNext(tasks, filter, now)
		if status != ClaimOK {
			t.Fatalf("expected ClaimOK, got %v", status)
		}
		if selected.Task.ID != "3" {
			t.Errorf("expected task 3 (priority:3), got %s", selected.Task.ID)
		}
	})

	t.Run("ties break by ascending numeric id", func(t *testing.T) {
		tasks := []Task{
			task("20", []string{"ready"}, false),
			task("9", []string{"ready"}, false),
			task("100", []string{"ready"}, false),
		}
		selected, _ := SelectNext(tasks, filter, now)
		if selected.Task.ID != "9" {
			t.Errorf("expected lowest numeric id 9, got %s", selected.Task.ID)
		}
	})

	t.Run("priority label beats any milestone rank", func(t *testing.T) {
		tasks := []Task{
			{ID: "1", Labels: []string{"ready"}, Milestone: 9},
			{ID: "2", Labels: []string{"ready", "priority:1"}},
		}
		selected, _ := SelectNext(tasks, filter, now)
		if selected.Task.ID != "2" {
			t.Errorf("expected labeled task 2 over milestone-only task 1, got %s", selected.Task.ID)
		}

		// Even the lowest label rank stays ahead of an unlabeled task.
		tasks[1].Labels = []string{"ready", "priority:0"}
		selected, _ = SelectNext(tasks, filter, now)
		if selected.Task.ID != "2" {
			t.Errorf("expected priority:0 to outrank milestone 9, got %s", selected.Task.ID)
		}
	})

	t.Run("milestone orders label-less tasks", func(t *testing.T) {
		tasks := []Task{
			{ID: "1", Labels: []string{"ready"}, Milestone: 2},
			{ID: "2", Labels: []string{"ready"}, Milestone: 7},
		}
		selected, _ := SelectNext(tasks, filter, now)
		if selected.Task.ID != "2" {
			t.Errorf("expected milestone 7 task 2, got %s", selected.Task.ID)
		}
	})

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		tasks := []Task{
			task("5", []string{"ready"}, false),
			task("2", []string{"ready"}, false),
		}
		first, _ := SelectNext(tasks, filter, now)
		second, _ := SelectNext(tasks, filter, now)
		if first.Task.ID != second.Task.ID {
			t.Errorf("selection not deterministic: %s vs %s", first.Task.ID, second.Task.ID)
		}
	})
}

func TestSelectNextEmptyStates(t *testing.T) {
	now := time.Now()
	filter := Filter{RequireLabels: []string{"ready"}, ExcludeLabels: []string{"blocked"}}

	t.Run("all closed is exhausted", func(t *testing.T) {
		tasks := []Task{
			task("1", []string{"ready"}, true),
			task("2", []string{"ready"}, true),
		}
		selected, status := SelectNext(tasks, filter, now)
		if selected != nil || status != ClaimExhausted {
			t.Errorf("expected nil/ClaimExhausted, got %v/%v", selected, status)
		}
	})

	t.Run("no tasks at all is exhausted", func(t *testing.T) {
		_, status := SelectNext(nil, filter, now)
		if status != ClaimExhausted {
			t.Errorf("expected ClaimExhausted, got %v", status)
		}
	})

	t.Run("open but ineligible is blocked", func(t *testing.T) {
		tasks := []Task{task("1", []string{"ready", "blocked"}, false)}
		selected, status := SelectNext(tasks, filter, now)
		if selected != nil || status != ClaimBlocked {
			t.Errorf("expected nil/ClaimBlocked, got %v/%v", selected, status)
		}
	})

	t.Run("ready plus blocked label is never selected", func(t *testing.T) {
		tasks := []Task{
			task("1", []string{"ready", "blocked"}, false),
			task("2", []string{"ready"}, false),
		}
		selected, status := SelectNext(tasks, filter, now)
		if status != ClaimOK {
			t.Fatalf("expected ClaimOK, got %v", status)
		}
		if selected.Task.ID != "2" {
			t.Errorf("expected task 2, got %s", selected.Task.ID)
		}
	})
}

func TestSelectNextSnapshotIsolation(t *testing.T) {
	tasks := []Task{task("1", []string{"ready"}, false)}
	selected, _ := SelectNext(tasks, Filter{}, time.Now())

	tasks[0].Labels[0] = "mutated"
	if selected.Task.Labels[0] != "ready" {
		t.Error("selected snapshot should not alias the source task's labels")
	}
}
