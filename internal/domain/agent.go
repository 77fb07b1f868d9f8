package domain

import "time"

// AgentKind distinguishes the fixed manager roster from per-project workers
type AgentKind string

const (
	KindManager AgentKind = "manager"
	KindWorker  AgentKind = "worker"
)

// AgentDefinition describes an agent that can be invoked for a cycle
type AgentDefinition struct {
	Name      string    `json:"name" yaml:"name"`
	Role      string    `json:"role" yaml:"role"`
	Kind      AgentKind `json:"kind" yaml:"kind,omitempty"`
	Model     string    `json:"model" yaml:"model,omitempty"`
	Phase     Phase     `json:"phase,omitempty" yaml:"phase,omitempty"`          // managers only
	ReportsTo string    `json:"reportsTo,omitempty" yaml:"reports_to,omitempty"` // workers only
	Rules     string    `json:"-" yaml:"-"`                                      // role rules, the prompt body
}

// IsManager returns true for agents of the fixed manager roster
func (a AgentDefinition) IsManager() bool {
	return a.Kind == KindManager
}

// Report is the record of one agent invocation
type Report struct {
	ID           int64     `json:"id"`
	Cycle        int       `json:"cycle"`
	Agent        string    `json:"agent"`
	InvocationID string    `json:"invocationId"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CostEntry is one immutable cost-ledger row
type CostEntry struct {
	Timestamp time.Time
	Cycle     int
	Agent     string
	Cost      float64
	Duration  time.Duration
}
