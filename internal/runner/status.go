package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/tracker"
)

// responseTailBytes bounds the response-log excerpt of the agent detail
const responseTailBytes = 8 * 1024

// CostStatus is the ledger view of a status snapshot
type CostStatus struct {
	Cycles            int           `json:"cycles"`
	LastCycleCost     float64       `json:"lastCycleCost"`
	AvgCycleCost      float64       `json:"avgCycleCost"`
	LastCycleDuration time.Duration `json:"lastCycleDurationNs"`
	AvgCycleDuration  time.Duration `json:"avgCycleDurationNs"`
	Spent24h          float64       `json:"spent24h"`
	TotalCost         float64       `json:"totalCost"`
	Budget            float64       `json:"budgetPer24h"`
	Remaining         *float64      `json:"remaining,omitempty"` // nil when unlimited
}

// AgentStatus is one roster entry with its spend
type AgentStatus struct {
	domain.AgentDefinition
	ResolvedModel string            `json:"resolvedModel"`
	Disabled      bool              `json:"disabled"`
	Totals        ledger.AgentTotal `json:"totals"`
}

// Status is a point-in-time snapshot of a project
type Status struct {
	Project      string                     `json:"project"`
	RepoPath     string                     `json:"repoPath"`
	Running      bool                       `json:"running"`
	AgentRunning bool                       `json:"agentRunning"`
	State        *domain.RunnerState        `json:"state"`
	Config       config.ProjectDocument     `json:"config"`
	Cost         CostStatus                 `json:"cost"`
	Sleep        *scheduler.Decision        `json:"sleep,omitempty"`
	Agents       []AgentStatus              `json:"agents"`
	Milestones   []*tracker.MilestoneRecord `json:"milestones,omitempty"`
}

// Status builds a snapshot. Ledger aggregates are recomputed from the file on every call.
func (r *Runner) Status(ctx context.Context) Status {
	cfg := r.quietConfig()

	r.mu.Lock()
	st := Status{
		Project:  r.opts.ID,
		RepoPath: r.opts.RepoPath,
		Running:  r.running,
		State:    r.state.Clone(),
		Config:   cfg.Document(),
	}
	if r.decision != nil {
		d := *r.decision
		st.Sleep = &d
	}
	r.mu.Unlock()
	st.AgentRunning = r.invoker.Running()

	entries, err := r.ledger.Entries()
	if err != nil {
		r.log.Warn("reading cost ledger", "error", err)
	}
	sum := ledger.Summarize(entries, time.Now())
	st.Cost = costStatus(sum, cfg.BudgetPer24h)
	st.Agents = r.agentStatuses(cfg, sum)

	if ms, err := r.tracker.ListMilestones(ctx, 5); err == nil {
		st.Milestones = ms
	}
	return st
}

func costStatus(sum ledger.Summary, budget float64) CostStatus {
	c := CostStatus{
		Cycles:            sum.Cycles,
		LastCycleCost:     sum.LastCycleCost,
		AvgCycleCost:      sum.AvgCycleCost,
		LastCycleDuration: sum.LastCycleDuration,
		AvgCycleDuration:  sum.AvgCycleDuration,
		Spent24h:          sum.Spent24h,
		TotalCost:         sum.TotalCost,
		Budget:            budget,
	}
	if budget > 0 {
		rem := budget - sum.Spent24h
		c.Remaining = &rem
	}
	return c
}

func (r *Runner) agentStatuses(cfg config.ProjectConfig, sum ledger.Summary) []AgentStatus {
	defs := r.managers.All()
	workers, _ := r.workers.List()
	defs = append(defs, workers...)

	out := make([]AgentStatus, 0, len(defs))
	for _, d := range defs {
		out = append(out, AgentStatus{
			AgentDefinition: d,
			ResolvedModel:   r.modelFor(cfg, d),
			Disabled:        cfg.IsDisabled(d.Name),
			Totals:          sum.AgentSummary(d.Name),
		})
	}
	return out
}

// Agents returns the roster with per-agent totals
func (r *Runner) Agents() []AgentStatus {
	entries, _ := r.ledger.Entries()
	return r.agentStatuses(r.quietConfig(), ledger.Summarize(entries, time.Now()))
}

// AgentDetail is the full view of one agent
type AgentDetail struct {
	AgentStatus
	Rules        string           `json:"rules"`
	Reports      []*domain.Report `json:"reports"`
	ResponseTail string           `json:"responseTail"`
}

// Agent returns the detail of a manager or worker
func (r *Runner) Agent(ctx context.Context, name string) (*AgentDetail, error) {
	def, ok := r.managers.Get(name)
	if !ok {
		w, err := r.workers.Get(name)
		if err != nil {
			return nil, err
		}
		def = w
	}

	cfg := r.quietConfig()
	entries, _ := r.ledger.Entries()
	sum := ledger.Summarize(entries, time.Now())

	reports, err := r.tracker.ListReports(ctx, tracker.ReportFilter{Agent: name, Limit: 10})
	if err != nil {
		return nil, err
	}

	return &AgentDetail{
		AgentStatus: AgentStatus{
			AgentDefinition: def,
			ResolvedModel:   r.modelFor(cfg, def),
			Disabled:        cfg.IsDisabled(def.Name),
			Totals:          sum.AgentSummary(def.Name),
		},
		Rules:        def.Rules,
		Reports:      reports,
		ResponseTail: tailFile(filepath.Join(r.layout.Logs(), name+".responses.log"), responseTailBytes),
	}, nil
}

// tailFile returns at most max trailing bytes of a file, starting at a line boundary
func tailFile(path string, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - max
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	text := string(data)
	if offset > 0 {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		}
	}
	return text
}
