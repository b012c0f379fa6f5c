package loop

import (
	"fmt"
	"strings"
	"time"

	"patchpilot/internal/jsonutil"
)

// StopReason indicates why the cycle loop terminated.
type StopReason int

const (
	StopBudget       StopReason = iota // Cycle budget exhausted (loop.max_cycles reached).
	StopRequested                      // Stop marker observed at a transition boundary.
	StopCanceled                       // Context canceled (e.g. SIGINT).
	StopAuthError                      // Provider rejected credentials; retrying cannot help.
	StopErrorStreak                    // Too many consecutive error cycles.
)

// String returns a human-readable label for the stop reason.
func (r StopReason) String() string {
	switch r {
	case StopBudget:
		return "budget-exhausted"
	case StopRequested:
		return "stop-requested"
	case StopCanceled:
		return "context-canceled"
	case StopAuthError:
		return "auth-error"
	case StopErrorStreak:
		return "consecutive-errors"
	default:
		return "unknown"
	}
}

// ParseStopReason converts a wire label back to a StopReason.
func ParseStopReason(s string) (StopReason, error) {
	switch s {
	case "budget-exhausted":
		return StopBudget, nil
	case "stop-requested":
		return StopRequested, nil
	case "context-canceled":
		return StopCanceled, nil
	case "auth-error":
		return StopAuthError, nil
	case "consecutive-errors":
		return StopErrorStreak, nil
	default:
		return StopBudget, jsonutil.ParseEnumError("stop reason", s)
	}
}

// ExitCode returns a distinct process exit code for each stop reason.
func (r StopReason) ExitCode() int {
	switch r {
	case StopBudget:
		return 0
	case StopRequested:
		return 0
	case StopCanceled:
		return 2
	case StopAuthError:
		return 3
	case StopErrorStreak:
		return 4
	default:
		return 1
	}
}

// MarshalJSON implements json.Marshaler.
func (r StopReason) MarshalJSON() ([]byte, error) { return jsonutil.MarshalEnum(r) }

// UnmarshalJSON implements json.Unmarshaler.
func (r *StopReason) UnmarshalJSON(data []byte) error {
	parsed, err := jsonutil.UnmarshalEnum(data, ParseStopReason)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Summary holds aggregate results across all cycles of one run.
type Summary struct {
	Cycles         int           `json:"cycles"`
	PatchesApplied int           `json:"patches_applied"`
	Commits        int           `json:"commits"`
	NoPatchCycles  int           `json:"no_patch_cycles"`
	GateFailures   int           `json:"gate_failures"`
	ErrorCycles    int           `json:"error_cycles"`
	StopReason     StopReason    `json:"stop_reason"`
	Duration       time.Duration `json:"duration_ns"`
}

// formatDuration formats a duration in a human-readable way (e.g. "2m34s").
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// formatCycleLog renders the per-cycle console line.
func formatCycleLog(out *Outcome, maxCycles int) string {
	counter := fmt.Sprintf("[%d]", out.Index)
	if maxCycles > 0 {
		counter = fmt.Sprintf("[%d/%d]", out.Index, maxCycles)
	}
	return fmt.Sprintf("%s %s → %s (%s)",
		counter, out.ArtifactName, out.describe(), formatDuration(out.Duration))
}

// formatSummary renders the end-of-run summary block.
func formatSummary(s *Summary) string {
	lines := make([]string, 0, 8)
	lines = append(lines, "Run complete:")

	if s.PatchesApplied > 0 {
		lines = append(lines, fmt.Sprintf("  ✓ %d patch(es) applied", s.PatchesApplied))
	}
	if s.Commits > 0 {
		lines = append(lines, fmt.Sprintf("  ⇡ %d commit(s) created", s.Commits))
	}
	if s.NoPatchCycles > 0 {
		lines = append(lines, fmt.Sprintf("  ∅ %d cycle(s) without a patch", s.NoPatchCycles))
	}
	if s.GateFailures > 0 {
		lines = append(lines, fmt.Sprintf("  ✗ %d gate failure(s)", s.GateFailures))
	}
	if s.ErrorCycles > 0 {
		lines = append(lines, fmt.Sprintf("  ! %d error cycle(s)", s.ErrorCycles))
	}

	lines = append(lines, fmt.Sprintf("  Cycles: %d  Stop: %s  Duration: %s",
		s.Cycles, s.StopReason, formatDuration(s.Duration)))

	return strings.Join(lines, "\n")
}
