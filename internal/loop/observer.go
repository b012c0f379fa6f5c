package loop

import (
	"fmt"
	"io"
	"strings"
)

// Observer receives loop progress callbacks. Implementations must not
// block: the loop calls them synchronously between phases.
type Observer interface {
	OnCycleStart(index int, artifactDir string)
	OnPhase(index int, phase Phase)
	OnCycleEnd(outcome *Outcome)
	OnLoopEnd(summary *Summary)
}

// MultiObserver fans out progress callbacks to several observers. Nil
// observers are filtered out; a panicking observer is isolated so it cannot
// take down the loop or starve its peers.
type MultiObserver struct {
	observers []Observer
}

var _ Observer = (*MultiObserver)(nil)

// NewMultiObserver creates a MultiObserver over the non-nil observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	filtered := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			filtered = append(filtered, obs)
		}
	}
	return &MultiObserver{observers: filtered}
}

// safeCall calls fn with panic recovery so one observer cannot block others.
func safeCall(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

// OnCycleStart forwards the call to all observers.
func (m *MultiObserver) OnCycleStart(index int, artifactDir string) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnCycleStart(index, artifactDir) })
	}
}

// OnPhase forwards the call to all observers.
func (m *MultiObserver) OnPhase(index int, phase Phase) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnPhase(index, phase) })
	}
}

// OnCycleEnd forwards the call to all observers.
func (m *MultiObserver) OnCycleEnd(outcome *Outcome) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnCycleEnd(outcome) })
	}
}

// OnLoopEnd forwards the call to all observers.
func (m *MultiObserver) OnLoopEnd(summary *Summary) {
	for _, obs := range m.observers {
		safeCall(func() { obs.OnLoopEnd(summary) })
	}
}

// ConsoleObserver renders human-facing progress lines. It is the only
// component that writes to the console; the structured record of the same
// events goes to the engine log and the status file.
type ConsoleObserver struct {
	out       io.Writer
	styles    Styles
	maxCycles int
}

var _ Observer = (*ConsoleObserver)(nil)

// NewConsoleObserver creates a console observer writing to out.
func NewConsoleObserver(out io.Writer, maxCycles int) *ConsoleObserver {
	return &ConsoleObserver{out: out, styles: DefaultStyles(), maxCycles: maxCycles}
}

// writef writes formatted output, ignoring errors. Console writes are
// best-effort; the durable record lives elsewhere.
func writef(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// OnCycleStart prints the cycle header.
func (c *ConsoleObserver) OnCycleStart(index int, artifactDir string) {
	counter := fmt.Sprintf("cycle %d", index)
	if c.maxCycles > 0 {
		counter = fmt.Sprintf("cycle %d/%d", index, c.maxCycles)
	}
	writef(c.out, "%s %s\n",
		c.styles.Title.Render(counter),
		c.styles.Muted.Render(artifactDir))
}

// OnPhase prints a phase progress marker.
func (c *ConsoleObserver) OnPhase(index int, phase Phase) {
	switch phase {
	case PhaseCooldown, PhaseIdle:
		// Quiet phases; the cycle line already summarized the work.
	default:
		writef(c.out, "  %s\n", c.styles.Phase.Render(strings.ReplaceAll(phase.String(), "_", " ")))
	}
}

// OnCycleEnd prints the one-line cycle result.
func (c *ConsoleObserver) OnCycleEnd(out *Outcome) {
	style := c.styles.outcomeStyle(out)
	writef(c.out, "%s %s\n",
		style.Render(outcomeIcon(out)),
		formatCycleLog(out, c.maxCycles))
}

// OnLoopEnd prints the final summary block.
func (c *ConsoleObserver) OnLoopEnd(summary *Summary) {
	writef(c.out, "\n%s\n", formatSummary(summary))
}
