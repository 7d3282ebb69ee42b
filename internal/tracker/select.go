package tracker

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// priorityLabelPrefix marks the explicit priority labels selection ranks
// by, e.g. "priority:3". Higher number means higher priority.
const priorityLabelPrefix = "priority:"

// PriorityOf derives a task's selection rank. A task carrying an explicit
// priority label outranks every label-less task no matter their milestones;
// milestone rank orders only the label-less ones. The labeled flag carries
// that first-level distinction to the comparison.
func PriorityOf(t *Task) (rank int, labeled bool) {
	for _, label := range t.Labels {
		if !strings.HasPrefix(label, priorityLabelPrefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(label, priorityLabelPrefix)); err == nil {
			return n, true
		}
	}
	return t.Milestone, false
}

// Eligible reports whether the task qualifies for selection under the
// filter: open, all required labels present, no excluded label present,
// and not a draft when drafts are skipped.
func Eligible(t *Task, f Filter) bool {
	if t.Closed {
		return false
	}
	if f.SkipDrafts && t.Draft {
		return false
	}
	for _, required := range f.RequireLabels {
		if !t.HasLabel(required) {
			return false
		}
	}
	for _, excluded := range f.ExcludeLabels {
		if t.HasLabel(excluded) {
			return false
		}
	}
	return true
}

// SelectNext applies the filter to the given tasks and returns a snapshot
// of the highest-priority eligible one, or nil with a status explaining
// why nothing qualified. The order is deterministic for identical inputs:
// priority-labeled tasks before label-less ones, then rank descending,
// then ascending numeric task identifier.
func SelectNext(tasks []Task, f Filter, now time.Time) (*SelectedTask, ClaimStatus) {
	openCount := 0
	eligible := make([]*Task, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if !t.Closed {
			openCount++
		}
		if Eligible(t, f) {
			eligible = append(eligible, t)
		}
	}

	if len(eligible) == 0 {
		if openCount == 0 {
			return nil, ClaimExhausted
		}
		return nil, ClaimBlocked
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, li := PriorityOf(eligible[i])
		pj, lj := PriorityOf(eligible[j])
		if li != lj {
			return li
		}
		if pi != pj {
			return pi > pj
		}
		return lessTaskID(eligible[i].ID, eligible[j].ID)
	})

	snapshot := *eligible[0]
	snapshot.Labels = append([]string(nil), snapshot.Labels...)
	snapshot.Acceptance = append([]string(nil), snapshot.Acceptance...)
	return &SelectedTask{Task: snapshot, SelectedAt: now}, ClaimOK
}

// lessTaskID orders task identifiers numerically when both parse as
// integers, falling back to string order so non-numeric ids still sort
// deterministically.
func lessTaskID(a, b string) bool {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return na < nb
	}
	if errA == nil {
		return true
	}
	if errB == nil {
		return false
	}
	return a < b
}
