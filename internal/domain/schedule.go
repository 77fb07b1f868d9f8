package domain

import (
	"strings"
	"time"
)

// Visibility controls how much issue-tracker context a delegated worker receives
type Visibility string

const (
	VisibilityFull    Visibility = "full"
	VisibilityFocused Visibility = "focused"
	VisibilityBlind   Visibility = "blind"
)

// ParseVisibility parses a visibility mode. Empty input is full visibility.
func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(strings.ToLower(strings.TrimSpace(s))) {
	case "", VisibilityFull:
		return VisibilityFull, true
	case VisibilityFocused:
		return VisibilityFocused, true
	case VisibilityBlind:
		return VisibilityBlind, true
	default:
		return VisibilityFull, false
	}
}

// Delegation is one worker assignment of a schedule
type Delegation struct {
	Agent        string     `json:"agent"`
	Task         string     `json:"task"`
	DelayMinutes float64    `json:"delayMinutes,omitempty"`
	Visibility   Visibility `json:"visibility"`
}

// Delay is the wait after this worker finishes, before the next delegate starts
func (d Delegation) Delay() time.Duration {
	return minutes(d.DelayMinutes)
}

// Schedule is a delegation instruction produced by a manager for the current cycle
type Schedule struct {
	DelayMinutes float64      `json:"delayMinutes,omitempty"`
	Delegations  []Delegation `json:"delegations"`
}

// Delay is the wait before the first delegate runs
func (s *Schedule) Delay() time.Duration {
	return minutes(s.DelayMinutes)
}

// Agents returns the delegated worker names in delegation order
func (s *Schedule) Agents() []string {
	names := make([]string, len(s.Delegations))
	for i, d := range s.Delegations {
		names[i] = d.Agent
	}
	return names
}

func minutes(m float64) time.Duration {
	if m <= 0 {
		return 0
	}
	return time.Duration(m * float64(time.Minute))
}
