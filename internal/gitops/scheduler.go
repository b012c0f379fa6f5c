package gitops

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// schedulerFile is the ledger path relative to the state dir.
const schedulerFile = "state/commit_scheduler.json"

// State is the scheduler's persisted ledger. It survives restarts so a
// relaunched engine neither double-commits inside a cadence window nor
// forgets a pending force request.
type State struct {
	AutoCommit   bool          `json:"auto_commit"`
	Cadence      time.Duration `json:"cadence_ns"`
	LastCommitAt time.Time     `json:"last_commit_at"`
	LastPushAt   time.Time     `json:"last_push_at"`
	ForceNext    bool          `json:"force_next"`
	Paused       bool          `json:"paused"`
}

// Scheduler decides when a passing cycle may commit.
type Scheduler struct {
	path   string
	state  State
	logger *zap.Logger
}

// NewScheduler loads the ledger from stateDir, seeding a fresh one from
// the given config values when no ledger exists yet. Persisted values win
// over config so runtime control changes survive restarts.
func NewScheduler(stateDir string, autoCommit bool, cadence time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		path:   filepath.Join(stateDir, schedulerFile),
		state:  State{AutoCommit: autoCommit, Cadence: cadence},
		logger: logger,
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scheduler state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parse scheduler state %s: %w", s.path, err)
	}
	return s, nil
}

// State returns a copy of the current ledger.
func (s *Scheduler) State() State { return s.state }

// ShouldCommit implements the commit decision:
// staged AND gatePass AND (force OR cadence elapsed) AND NOT (disabled OR
// paused). The returned reason is human-readable and lands in commit.json.
func (s *Scheduler) ShouldCommit(now time.Time, staged, gatePass bool) (bool, string) {
	switch {
	case !staged:
		return false, "nothing staged"
	case !gatePass:
		return false, "gate failed"
	case s.state.Paused:
		return false, "scheduler paused"
	case !s.state.AutoCommit && !s.state.ForceNext:
		return false, "auto-commit disabled"
	case s.state.ForceNext:
		return true, "commit forced"
	case s.state.Cadence <= 0:
		return true, "no cadence configured"
	case s.state.LastCommitAt.IsZero():
		return true, "first commit"
	}
	elapsed := now.Sub(s.state.LastCommitAt)
	if elapsed >= s.state.Cadence {
		return true, "cadence elapsed"
	}
	return false, fmt.Sprintf("cadence not elapsed (next in %s)", (s.state.Cadence - elapsed).Round(time.Second))
}

// RecordCommit notes a completed commit. The force flag is consumed here
// and only here: a forced cycle that fails to commit keeps the flag for
// the next cycle.
func (s *Scheduler) RecordCommit(now time.Time) error {
	s.state.LastCommitAt = now
	s.state.ForceNext = false
	return s.save()
}

// ShouldPush gates pushes on their own interval, independent of the
// commit cadence.
func (s *Scheduler) ShouldPush(now time.Time, interval time.Duration) (bool, string) {
	if interval <= 0 {
		return true, "no push interval configured"
	}
	if s.state.LastPushAt.IsZero() {
		return true, "first push"
	}
	elapsed := now.Sub(s.state.LastPushAt)
	if elapsed >= interval {
		return true, "push interval elapsed"
	}
	return false, fmt.Sprintf("push interval not elapsed (next in %s)", (interval - elapsed).Round(time.Second))
}

// RecordPush notes a completed push.
func (s *Scheduler) RecordPush(now time.Time) error {
	s.state.LastPushAt = now
	return s.save()
}

// Force requests a commit on the next passing cycle regardless of cadence.
func (s *Scheduler) Force() error {
	s.state.ForceNext = true
	return s.save()
}

// SetPaused pauses or resumes committing.
func (s *Scheduler) SetPaused(paused bool) error {
	s.state.Paused = paused
	return s.save()
}

// SetAutoCommit flips automatic committing.
func (s *Scheduler) SetAutoCommit(on bool) error {
	s.state.AutoCommit = on
	return s.save()
}

// SetCadence changes the commit cadence.
func (s *Scheduler) SetCadence(d time.Duration) error {
	s.state.Cadence = d
	return s.save()
}

// save persists the ledger atomically.
func (s *Scheduler) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scheduler state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write scheduler state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename scheduler state: %w", err)
	}
	s.logger.Debug("scheduler state saved",
		zap.Bool("auto_commit", s.state.AutoCommit),
		zap.Bool("force_next", s.state.ForceNext),
		zap.Bool("paused", s.state.Paused))
	return nil
}
