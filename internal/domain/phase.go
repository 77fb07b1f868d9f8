package domain

import "fmt"

// Phase is the current stage of a project's milestone lifecycle
type Phase string

const (
	PhaseAthena         Phase = "athena"         // strategy and milestone selection
	PhaseImplementation Phase = "implementation" // execution against a milestone budget
	PhaseVerification   Phase = "verification"   // acceptance check
)

// Phases lists every phase in lifecycle order
var Phases = []Phase{PhaseAthena, PhaseImplementation, PhaseVerification}

// transitions holds the allowed direct successors of each phase, including itself
var transitions = map[Phase][]Phase{
	PhaseAthena:         {PhaseAthena, PhaseImplementation},
	PhaseImplementation: {PhaseImplementation, PhaseVerification, PhaseAthena},
	PhaseVerification:   {PhaseVerification, PhaseAthena, PhaseImplementation},
}

// ParsePhase parses a phase name
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid phase: %q", s)
	}
	return p, nil
}

// Valid reports whether p is a known phase
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// CanTransition reports whether the state machine allows moving from one phase to another
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
