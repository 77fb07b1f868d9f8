package prompts

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
)

// WorkspacePlaceholder is replaced by the project's workspace path in every composed prompt
const WorkspacePlaceholder = "{workspace}"

const (
	sharedRulesPath = "shared/rules.md"
	skillPath       = "skills/tracker.md"
	workerPath      = "assignment/worker.md"
)

// ManagerData is the template input of a manager assignment
type ManagerData struct {
	Project       string
	Cycle         int
	Milestone     *domain.Milestone
	IsFixRound    bool
	Feedback      string
	Completed     []string
	Workers       []domain.AgentDefinition
	Budget        float64
	Spent24h      float64
	LastMilestone string // title of the milestone that just closed
	LastOutcome   string // how it closed, e.g. "passed verification"
}

// WorkerData is the template input of a worker assignment
type WorkerData struct {
	Project    string
	Cycle      int
	Manager    string
	Task       string
	Visibility domain.Visibility
	Issues     []int64
	Milestone  *domain.Milestone

	// Focused workers get their issues inlined instead of tracker access
	FocusIssues []IssueContext
	Missing     []int64 // referenced issues the tracker does not know
}

// IssueContext is one tracker issue as shown to a focused worker
type IssueContext struct {
	ID       int64
	Title    string
	Status   string
	Body     string
	Comments []IssueComment
}

// IssueComment is one comment of an IssueContext
type IssueComment struct {
	Author string
	Body   string
}

// ManagerPrompt composes role rules, shared rules, the phase assignment and the tracker skill
func (l *Loader) ManagerPrompt(def domain.AgentDefinition, phase domain.Phase, data ManagerData, workspace string) (string, error) {
	if (phase == domain.PhaseImplementation || phase == domain.PhaseVerification) && data.Milestone == nil {
		return "", fmt.Errorf("%s assignment needs a milestone", phase)
	}
	assignment, err := l.Execute("assignment/"+string(phase)+".md", data)
	if err != nil {
		return "", err
	}
	return l.compose(def.Rules, assignment, true, workspace)
}

// WorkerPrompt composes a worker's role rules, shared rules, its task and, for full
// visibility only, the tracker skill
func (l *Loader) WorkerPrompt(def domain.AgentDefinition, data WorkerData, workspace string) (string, error) {
	assignment, err := l.Execute(workerPath, data)
	if err != nil {
		return "", err
	}
	return l.compose(def.Rules, assignment, data.Visibility == domain.VisibilityFull, workspace)
}

func (l *Loader) compose(rules, assignment string, withSkill bool, workspace string) (string, error) {
	shared, err := l.LoadRaw(sharedRulesPath)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", sharedRulesPath, err)
	}

	parts := []string{strings.TrimSpace(rules), strings.TrimSpace(shared), strings.TrimSpace(assignment)}
	if withSkill {
		skill, err := l.LoadRaw(skillPath)
		if err != nil {
			return "", fmt.Errorf("load %s: %w", skillPath, err)
		}
		parts = append(parts, strings.TrimSpace(skill))
	}

	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	prompt := strings.Join(nonEmpty, "\n\n---\n\n")
	return strings.ReplaceAll(prompt, WorkspacePlaceholder, workspace), nil
}
