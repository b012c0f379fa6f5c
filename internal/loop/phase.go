package loop

import "patchpilot/internal/jsonutil"

// Phase is one state of the cycle state machine. Transitions are driven
// exclusively by the orchestrator; every transition is written to the status
// record before the next phase's work begins.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAnalyzing
	PhasePrompting
	PhaseAwaitingProvider
	PhaseExtractingPatch
	PhaseApplying
	PhaseGating
	PhaseCommitting
	PhaseCooldown
	PhaseAborted
	PhaseErrored
)

// String returns the wire label for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAnalyzing:
		return "analyzing"
	case PhasePrompting:
		return "prompting"
	case PhaseAwaitingProvider:
		return "awaiting_provider"
	case PhaseExtractingPatch:
		return "extracting_patch"
	case PhaseApplying:
		return "applying"
	case PhaseGating:
		return "gating"
	case PhaseCommitting:
		return "committing"
	case PhaseCooldown:
		return "cooldown"
	case PhaseAborted:
		return "aborted"
	case PhaseErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ParsePhase converts a wire label back to a Phase.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "idle":
		return PhaseIdle, nil
	case "analyzing":
		return PhaseAnalyzing, nil
	case "prompting":
		return PhasePrompting, nil
	case "awaiting_provider":
		return PhaseAwaitingProvider, nil
	case "extracting_patch":
		return PhaseExtractingPatch, nil
	case "applying":
		return PhaseApplying, nil
	case "gating":
		return PhaseGating, nil
	case "committing":
		return PhaseCommitting, nil
	case "cooldown":
		return PhaseCooldown, nil
	case "aborted":
		return PhaseAborted, nil
	case "errored":
		return PhaseErrored, nil
	default:
		return PhaseIdle, jsonutil.ParseEnumError("phase", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (p Phase) MarshalJSON() ([]byte, error) { return jsonutil.MarshalEnum(p) }

// UnmarshalJSON implements json.Unmarshaler.
func (p *Phase) UnmarshalJSON(data []byte) error {
	parsed, err := jsonutil.UnmarshalEnum(data, ParsePhase)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Terminal reports whether the phase ends a run rather than a cycle.
func (p Phase) Terminal() bool {
	return p == PhaseAborted || p == PhaseErrored
}
