package loop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// statusFileName is the status record path relative to the state dir.
const statusFileName = "status.json"

// Status is the externally consumable state of the run. It is rewritten on
// every phase transition; monitors poll the file instead of the process.
type Status struct {
	RunID     string `json:"run_id"`
	PID       int    `json:"pid"`
	State     string `json:"state"` // "running", "paused", or "completed"
	Phase     Phase  `json:"phase"`
	Cycle     int    `json:"cycle"`
	MaxCycles int    `json:"max_cycles"`

	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
	Session string `json:"session,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastError is the most recent cycle-scoped error, sticky until a later
	// error replaces it. Errors are never only in memory.
	LastError  string `json:"last_error,omitempty"`
	LastCommit string `json:"last_commit,omitempty"`

	Tallies Tallies `json:"tallies"`

	// StopReason is set once State becomes "completed".
	StopReason string `json:"stop_reason,omitempty"`
}

// Tallies are running outcome counts across the run.
type Tallies struct {
	PatchesApplied int `json:"patches_applied"`
	Commits        int `json:"commits"`
	NoPatchCycles  int `json:"no_patch_cycles"`
	GateFailures   int `json:"gate_failures"`
	ProviderErrors int `json:"provider_errors"`
	ErrorCycles    int `json:"error_cycles"`
}

// StatusWriter persists the status record atomically.
type StatusWriter struct {
	path string
}

// NewStatusWriter creates a writer for <stateDir>/status.json.
func NewStatusWriter(stateDir string) *StatusWriter {
	return &StatusWriter{path: filepath.Join(stateDir, statusFileName)}
}

// Path returns the status file location.
func (w *StatusWriter) Path() string { return w.path }

// Write replaces the status file. The write is atomic (temp file + rename)
// so a polling monitor never reads a torn record.
func (w *StatusWriter) Write(status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("rename status: %w", err)
	}
	return nil
}

// Read loads the current status record, for tests and external tooling.
func (w *StatusWriter) Read() (*Status, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, err
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse status %s: %w", w.path, err)
	}
	return &s, nil
}
