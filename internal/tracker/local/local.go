// Package local implements the tracker contract on top of a single YAML
// file. The whole file is loaded on every operation, mutated in memory,
// and persisted with an atomic write-new-then-replace, so a crash never
// leaves a half-written task list behind. No cache, no network.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	ierr "github.com/mark3labs/taskloop/internal/errors"
	"github.com/mark3labs/taskloop/internal/logger"
	"github.com/mark3labs/taskloop/internal/tracker"
)

// Config parameterizes a file-backed tracker.
type Config struct {
	Path        string         // Task file location
	Filter      tracker.Filter // Selection eligibility criteria
	DoneLabels  []string       // Labels added when a task is marked done
	StartLabels []string       // Labels stripped when a task is marked done
	CloseOnDone bool           // Whether mark-done closes the task
}

// Store is the file-backed tracker backend.
type Store struct {
	cfg Config
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a file-backed tracker over the given task file. The
// file does not need to exist yet; a missing file reads as an empty task
// list.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg, now: time.Now}
}

// taskFile is the on-disk shape of the task list.
type taskFile struct {
	Tasks []tracker.Task `yaml:"tasks"`
}

// ClaimNextTask selects the highest-priority eligible task from the file.
// Read-only: the file is never rewritten by a claim.
func (s *Store) ClaimNextTask(ctx context.Context) (*tracker.SelectedTask, tracker.ClaimStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, tracker.ClaimBlocked, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load()
	if err != nil {
		return nil, tracker.ClaimBlocked, err
	}

	selected, status := tracker.SelectNext(tf.Tasks, s.cfg.Filter, s.now())
	return selected, status, nil
}

// ListTasks returns every task in the file, open and closed.
func (s *Store) ListTasks(ctx context.Context) ([]tracker.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load()
	if err != nil {
		return nil, err
	}
	return append([]tracker.Task(nil), tf.Tasks...), nil
}

// IsTaskDone reports whether the task is closed in the file.
func (s *Store) IsTaskDone(ctx context.Context, taskID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load()
	if err != nil {
		return false, err
	}

	t := findTask(tf, taskID)
	if t == nil {
		return false, &ierr.NotFoundError{TaskID: taskID}
	}
	return t.Closed, nil
}

// ForceTaskOpen reopens a closed task and strips the done-marker labels.
// Calling it on an already-open task is a no-op.
func (s *Store) ForceTaskOpen(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load()
	if err != nil {
		return err
	}

	t := findTask(tf, taskID)
	if t == nil {
		return &ierr.NotFoundError{TaskID: taskID}
	}

	changed := t.Closed
	t.Closed = false
	for _, label := range s.cfg.DoneLabels {
		if removeLabel(t, label) {
			changed = true
		}
	}
	if !changed {
		return nil
	}

	logger.Info("local: reopened task %s", taskID)
	return s.save(tf)
}

// MarkTaskDone appends the comment to the task's notes, applies the done
// labels, closes the task, and strips the start labels. All mutations
// land in one file replace, so the update is atomic by construction.
func (s *Store) MarkTaskDone(ctx context.Context, taskID string, comment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tf, err := s.load()
	if err != nil {
		return err
	}

	t := findTask(tf, taskID)
	if t == nil {
		return &ierr.NotFoundError{TaskID: taskID}
	}

	if comment != "" {
		if t.Notes != "" {
			t.Notes += "\n\n"
		}
		t.Notes += comment
	}
	for _, label := range s.cfg.DoneLabels {
		addLabel(t, label)
	}
	if s.cfg.CloseOnDone {
		t.Closed = true
	}
	for _, label := range s.cfg.StartLabels {
		removeLabel(t, label)
	}

	logger.Info("local: marked task %s done", taskID)
	return s.save(tf)
}

// load reads and parses the task file. A missing file is an empty list.
func (s *Store) load() (*taskFile, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if os.IsNotExist(err) {
		return &taskFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}

	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing task file %s: %w", s.cfg.Path, err)
	}
	return &tf, nil
}

// save persists the task list with write-new-then-replace so readers
// never observe a partially written file.
func (s *Store) save(tf *taskFile) error {
	data, err := yaml.Marshal(tf)
	if err != nil {
		return fmt.Errorf("marshaling task file: %w", err)
	}

	dir := filepath.Dir(s.cfg.Path)
	tmp, err := os.CreateTemp(dir, ".tasks-*.yml")
	if err != nil {
		return fmt.Errorf("creating temp task file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp task file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp task file: %w", err)
	}

	if err := os.Rename(tmpName, s.cfg.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing task file: %w", err)
	}
	return nil
}

func findTask(tf *taskFile, id string) *tracker.Task {
	for i := range tf.Tasks {
		if tf.Tasks[i].ID == id {
			return &tf.Tasks[i]
		}
	}
	return nil
}

func addLabel(t *tracker.Task, name string) {
	if !t.HasLabel(name) {
		t.Labels = append(t.Labels, name)
	}
}

func removeLabel(t *tracker.Task, name string) bool {
	for i, l := range t.Labels {
		if l == name {
			t.Labels = append(t.Labels[:i], t.Labels[i+1:]...)
			return true
		}
	}
	return false
}
