package domain

import "time"

// FeedbackPassed is stored as verification feedback once a milestone passed verification
const FeedbackPassed = "__PASSED__"

// Milestone is a manager-declared unit of work with a cycle budget
type Milestone struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	CyclesBudget   int    `json:"cyclesBudget"`
	CyclesUsed     int    `json:"cyclesUsed"`
	OriginalBudget int    `json:"originalBudget"`
	TrackerID      int64  `json:"trackerId,omitempty"` // row in the tracker milestones table
}

// Exhausted returns true once the milestone has used its whole cycle budget
func (m *Milestone) Exhausted() bool {
	return m.CyclesUsed >= m.CyclesBudget
}

// FixAllowance is the number of extra cycles granted after a failed verification
func (m *Milestone) FixAllowance() int {
	return m.OriginalBudget / 2
}

// RunnerState is the persisted state of one project runner
type RunnerState struct {
	CycleCount           int        `json:"cycleCount"`
	Phase                Phase      `json:"phase"`
	Milestone            *Milestone `json:"milestone,omitempty"`
	VerificationFeedback *string    `json:"verificationFeedback"`
	IsFixRound           bool       `json:"isFixRound"`
	IsPaused             bool       `json:"isPaused"`
	PauseReason          string     `json:"pauseReason,omitempty"`
	AutoPausedAt         *time.Time `json:"autoPausedAt,omitempty"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	CompletedAgents      []string   `json:"completedAgents"`
	CurrentSchedule      *Schedule  `json:"currentSchedule,omitempty"`
	BudgetExhausted      bool       `json:"budgetExhausted"`
	LastCycleAt          *time.Time `json:"lastCycleAt,omitempty"`
	NextCycleAt          *time.Time `json:"nextCycleAt,omitempty"`

	// The milestone that closed most recently and how, shown to the athena manager
	LastMilestoneTitle   string `json:"lastMilestoneTitle,omitempty"`
	LastMilestoneOutcome string `json:"lastMilestoneOutcome,omitempty"`
}

// NewRunnerState returns the state of a project that has never run.
// New projects start paused and wait for a manual resume.
func NewRunnerState() *RunnerState {
	return &RunnerState{
		Phase:           PhaseAthena,
		IsPaused:        true,
		PauseReason:     "new project: awaiting manual resume",
		CompletedAgents: []string{},
	}
}

// VerificationPassed reports whether the last milestone passed verification
func (s *RunnerState) VerificationPassed() bool {
	return s.VerificationFeedback != nil && *s.VerificationFeedback == FeedbackPassed
}

// Clone returns a deep copy of the state
func (s *RunnerState) Clone() *RunnerState {
	c := *s
	if s.Milestone != nil {
		m := *s.Milestone
		c.Milestone = &m
	}
	if s.VerificationFeedback != nil {
		f := *s.VerificationFeedback
		c.VerificationFeedback = &f
	}
	if s.AutoPausedAt != nil {
		t := *s.AutoPausedAt
		c.AutoPausedAt = &t
	}
	if s.LastCycleAt != nil {
		t := *s.LastCycleAt
		c.LastCycleAt = &t
	}
	if s.NextCycleAt != nil {
		t := *s.NextCycleAt
		c.NextCycleAt = &t
	}
	c.CompletedAgents = append([]string{}, s.CompletedAgents...)
	if s.CurrentSchedule != nil {
		sched := *s.CurrentSchedule
		sched.Delegations = append([]Delegation(nil), s.CurrentSchedule.Delegations...)
		c.CurrentSchedule = &sched
	}
	return &c
}
