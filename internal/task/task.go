// Package task reads and updates the operator-maintained task list that
// gives cycles their working context.
//
// Tasks live in <statedir>/tasks.yaml. The engine only ever works the first
// actionable task; operators add, reorder, and close tasks out of band.
// A missing file simply means no task context.
package task

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"patchpilot/internal/jsonutil"
)

// Status is the lifecycle state of one task.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

// String returns the wire label for the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus converts a wire label back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "in_progress":
		return StatusInProgress, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusPending, jsonutil.ParseEnumError("task status", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return jsonutil.MarshalEnum(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	parsed, err := jsonutil.UnmarshalEnum(data, ParseStatus)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Status) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Status) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Task is one unit of operator-described work.
type Task struct {
	ID          string    `yaml:"id" json:"id"`
	Description string    `yaml:"description" json:"description"`
	Status      Status    `yaml:"status" json:"status"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Actionable reports whether the engine should work this task.
func (t *Task) Actionable() bool {
	return t.Status == StatusPending || t.Status == StatusInProgress
}

// file mirrors the on-disk document shape.
type file struct {
	Tasks []Task `yaml:"tasks"`
}

// Store is a file-backed task list.
type Store struct {
	path string
	now  func() time.Time
}

// NewStore creates a store for <stateDir>/tasks.yaml.
func NewStore(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, "tasks.yaml"), now: time.Now}
}

// Path returns the backing file location.
func (s *Store) Path() string { return s.path }

// Load reads the full task list. A missing file yields an empty list.
func (s *Store) Load() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return doc.Tasks, nil
}

// Next returns the first actionable task, or nil when there is none.
// In-progress tasks win over pending ones so interrupted work resumes first.
func (s *Store) Next() (*Task, error) {
	tasks, err := s.Load()
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].Status == StatusInProgress {
			t := tasks[i]
			return &t, nil
		}
	}
	for i := range tasks {
		if tasks[i].Status == StatusPending {
			t := tasks[i]
			return &t, nil
		}
	}
	return nil, nil
}

// MarkInProgress transitions a task to in_progress.
func (s *Store) MarkInProgress(id string) error { return s.setStatus(id, StatusInProgress) }

// MarkCompleted transitions a task to completed.
func (s *Store) MarkCompleted(id string) error { return s.setStatus(id, StatusCompleted) }

// MarkFailed transitions a task to failed.
func (s *Store) MarkFailed(id string) error { return s.setStatus(id, StatusFailed) }

func (s *Store) setStatus(id string, status Status) error {
	tasks, err := s.Load()
	if err != nil {
		return err
	}
	found := false
	for i := range tasks {
		if tasks[i].ID == id {
			tasks[i].Status = status
			tasks[i].UpdatedAt = s.now().UTC()
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("task %q not found", id)
	}
	return s.save(tasks)
}

// save writes the list atomically so a concurrent reader never sees a
// truncated document.
func (s *Store) save(tasks []Task) error {
	data, err := yaml.Marshal(file{Tasks: tasks})
	if err != nil {
		return fmt.Errorf("marshaling task file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing task file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing task file: %w", err)
	}
	return nil
}
