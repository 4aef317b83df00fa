package event

import (
	"encoding/json"
	"fmt"
)

// Phase is one stage of a generation pipeline. The set and its order are
// fixed — unknown phase names are rejected at the ingestion boundary and
// never enter session state.
type Phase int

const (
	PhaseAnalysis Phase = iota
	PhaseOptimization
	PhaseGeneration
	PhaseQuality
	PhaseCompilation
	PhaseAssessment
)

var phaseNames = [...]string{
	PhaseAnalysis:     "analysis",
	PhaseOptimization: "optimization",
	PhaseGeneration:   "generation",
	PhaseQuality:      "quality",
	PhaseCompilation:  "compilation",
	PhaseAssessment:   "assessment",
}

// Phases returns all phases in pipeline order.
func Phases() []Phase {
	return []Phase{
		PhaseAnalysis, PhaseOptimization, PhaseGeneration,
		PhaseQuality, PhaseCompilation, PhaseAssessment,
	}
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase maps a wire-format phase name to its Phase value.
func ParsePhase(name string) (Phase, error) {
	for i, n := range phaseNames {
		if n == name {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// PhaseStatus is the lifecycle state of one phase within a session.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)
