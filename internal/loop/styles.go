package loop

import "github.com/charmbracelet/lipgloss"

// Console color palette.
const (
	colorPrimary = "39"  // blue
	colorSuccess = "42"  // green
	colorWarning = "214" // orange
	colorError   = "196" // red
	colorMuted   = "245" // gray
)

// Styles holds the console rendering styles used by the console observer.
type Styles struct {
	Title   lipgloss.Style
	Phase   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
}

// DefaultStyles returns the default console styles.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPrimary)),
		Phase:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(colorSuccess)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorError)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarning)),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
	}
}

// Outcome icons.
const (
	iconApplied   = "✓"
	iconCommitted = "⇡"
	iconNoPatch   = "∅"
	iconGateFail  = "✗"
	iconWaiting   = "…"
	iconError     = "!"
)

// outcomeIcon picks the console icon for a finished cycle.
func outcomeIcon(out *Outcome) string {
	switch {
	case out.Error != "":
		return iconError
	case out.Committed:
		return iconCommitted
	case out.PatchApplied && !out.GatePass:
		return iconGateFail
	case out.PatchApplied:
		return iconApplied
	case out.AwaitingInput:
		return iconWaiting
	default:
		return iconNoPatch
	}
}

// outcomeStyle picks the style matching outcomeIcon.
func (s Styles) outcomeStyle(out *Outcome) lipgloss.Style {
	switch {
	case out.Error != "":
		return s.Error
	case out.PatchApplied && !out.GatePass:
		return s.Error
	case out.Committed, out.PatchApplied:
		return s.Success
	case out.AwaitingInput:
		return s.Warning
	default:
		return s.Muted
	}
}
