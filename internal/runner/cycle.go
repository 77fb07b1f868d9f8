package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/directive"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/prompts"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/tracker"
)

type cycleTally struct {
	successes int
	failures  int
}

func (t *cycleTally) add(res executor.Result) {
	switch {
	case res.Success:
		t.successes++
	case res.Failed():
		t.failures++
	}
}

// runCycle runs one cycle: the phase manager, its delegated workers, the accounting and
// the phase transition. It returns false when the loop should continue without sleeping.
func (r *Runner) runCycle(ctx context.Context, cfg config.ProjectConfig) bool {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	var previous []string
	r.update(EventState, func(s *domain.RunnerState) {
		previous = s.CompletedAgents
		s.CompletedAgents = []string{}
		s.CurrentSchedule = nil
	})

	st := r.State()
	if st.IsPaused {
		return false
	}
	cycle := st.CycleCount + 1
	log := r.log.With("cycle", cycle, "phase", st.Phase)

	switch {
	case st.Phase == domain.PhaseImplementation && st.Milestone != nil && st.Milestone.Exhausted():
		r.missDeadline(ctx, st.Milestone)
		return false
	case st.Phase != domain.PhaseAthena && st.Milestone == nil:
		log.Warn("no active milestone, returning to strategy")
		r.transition(domain.PhaseAthena, func(s *domain.RunnerState) {
			s.IsFixRound = false
		})
		return false
	}

	mgr, ok := r.managers.ForPhase(st.Phase)
	if !ok {
		log.Error("no manager for phase")
		return true
	}
	if cfg.IsDisabled(mgr.Name) {
		log.Info("manager disabled, cycle idle", "manager", mgr.Name)
		return true
	}

	workers, errs := r.workers.List()
	for _, err := range errs {
		log.Warn("skipping invalid worker definition", "error", err)
	}
	if err := r.tracker.SyncAgents(ctx, append(r.managers.All(), workers...)); err != nil {
		log.Warn("syncing agent roster", "error", err)
	}

	data := prompts.ManagerData{
		Project:       r.opts.ID,
		Cycle:         cycle,
		Milestone:     st.Milestone,
		IsFixRound:    st.IsFixRound,
		Completed:     previous,
		Workers:       workers,
		Budget:        cfg.BudgetPer24h,
		LastMilestone: st.LastMilestoneTitle,
		LastOutcome:   st.LastMilestoneOutcome,
	}
	if st.VerificationFeedback != nil && !st.VerificationPassed() {
		data.Feedback = *st.VerificationFeedback
	}
	if cfg.BudgetPer24h > 0 {
		if entries, err := r.ledger.Entries(); err == nil {
			data.Spent24h, _ = ledger.Window24h(entries, time.Now())
		}
	}

	var tally cycleTally
	prompt, err := r.prompts.ManagerPrompt(mgr, st.Phase, data, r.layout.Workspace())
	if err != nil {
		log.Error("composing manager prompt", "manager", mgr.Name, "error", err)
		tally.failures++
		r.account(tally, st.Phase)
		return true
	}

	log.Info("cycle started", "manager", mgr.Name)
	res := r.invoke(ctx, mgr, r.modelFor(cfg, mgr), prompt, cycle, domain.VisibilityFull, nil)
	tally.add(res)

	var set directive.Set
	if res.Success {
		set = directive.Parse(res.Text)
		for _, err := range set.Errors {
			log.Warn("directive ignored", "manager", mgr.Name, "error", err)
		}
		if set.Schedule != nil && len(set.Schedule.Delegations) > 0 {
			r.delegate(ctx, cfg, mgr, set.Schedule, cycle, st.Milestone, &tally)
		}
	}

	r.account(tally, st.Phase)
	if res.Success {
		r.applyDirectives(ctx, st.Phase, set)
	}
	log.Info("cycle finished", "successes", tally.successes, "failures", tally.failures)
	return true
}

// delegate runs the scheduled workers in order, one at a time
func (r *Runner) delegate(ctx context.Context, cfg config.ProjectConfig, mgr domain.AgentDefinition, sched *domain.Schedule, cycle int, ms *domain.Milestone, tally *cycleTally) {
	r.update(EventState, func(s *domain.RunnerState) {
		c := *sched
		c.Delegations = append([]domain.Delegation(nil), sched.Delegations...)
		s.CurrentSchedule = &c
	})
	r.log.Info("schedule received", "manager", mgr.Name, "agents", sched.Agents(), "delay", sched.Delay())

	if !r.wait(ctx, sched.Delay()) {
		return
	}

	for i, d := range sched.Delegations {
		if r.interrupted(ctx) {
			r.log.Info("delegation interrupted", "remaining", len(sched.Delegations)-i)
			return
		}

		worker, err := r.workers.Get(d.Agent)
		if err != nil {
			r.log.Warn("skipping delegation", "agent", d.Agent, "error", err)
			continue
		}

		access := directive.ResolveAccess(d)
		data := prompts.WorkerData{
			Project:    r.opts.ID,
			Cycle:      cycle,
			Manager:    mgr.Name,
			Task:       d.Task,
			Visibility: access.Mode,
			Issues:     access.Issues,
			Milestone:  ms,
		}
		if access.Mode == domain.VisibilityFocused {
			data.FocusIssues, data.Missing = r.focusIssues(ctx, access.Issues)
		}
		prompt, err := r.prompts.WorkerPrompt(worker, data, r.layout.Workspace())
		if err != nil {
			r.log.Error("composing worker prompt", "agent", worker.Name, "error", err)
			tally.failures++
			continue
		}

		res := r.invoke(ctx, worker, r.modelFor(cfg, worker), prompt, cycle, access.Mode, access.Issues)
		tally.add(res)

		if i < len(sched.Delegations)-1 && d.Delay() > 0 {
			if !r.wait(ctx, d.Delay()) {
				return
			}
		}
	}
}

// focusIssues loads the referenced issues with their comments in reference order
func (r *Runner) focusIssues(ctx context.Context, ids []int64) ([]prompts.IssueContext, []int64) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := r.tracker.ListIssues(ctx, tracker.IssueFilter{IDs: ids})
	if err != nil {
		r.log.Warn("loading focused issues", "issues", ids, "error", err)
		return nil, ids
	}
	byID := make(map[int64]*tracker.Issue, len(found))
	for _, is := range found {
		byID[is.ID] = is
	}

	var out []prompts.IssueContext
	var missing []int64
	for _, id := range ids {
		is, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		ic := prompts.IssueContext{ID: is.ID, Title: is.Title, Status: string(is.Status), Body: is.Body}
		comments, err := r.tracker.ListComments(ctx, id)
		if err != nil {
			r.log.Warn("loading issue comments", "issue", id, "error", err)
		}
		for _, c := range comments {
			ic.Comments = append(ic.Comments, prompts.IssueComment{Author: c.Author, Body: c.Body})
		}
		out = append(out, ic)
	}
	return out, missing
}

func (r *Runner) invoke(ctx context.Context, def domain.AgentDefinition, model, prompt string, cycle int, vis domain.Visibility, issues []int64) executor.Result {
	res := r.invoker.Invoke(ctx, executor.Request{
		Agent:      def,
		Model:      model,
		Prompt:     prompt,
		Cycle:      cycle,
		Visibility: vis,
		Issues:     issues,
		Timeout:    func() time.Duration { return r.quietConfig().AgentTimeout },
	})
	if res.Success {
		r.update(EventState, func(s *domain.RunnerState) {
			s.CompletedAgents = append(s.CompletedAgents, def.Name)
		})
	}
	return res
}

// account updates the counters after a cycle. Skipped invocations are neutral; a cycle
// where every invocation failed is not charged against the milestone.
func (r *Runner) account(t cycleTally, phase domain.Phase) {
	now := time.Now()
	var autoPaused bool
	var failures int
	var ms *domain.Milestone
	status := tracker.MilestoneActive

	r.update(EventCycle, func(s *domain.RunnerState) {
		switch {
		case t.successes > 0:
			s.ConsecutiveFailures = 0
		case t.failures > 0:
			s.ConsecutiveFailures++
		}
		if phase == domain.PhaseImplementation && t.successes > 0 && s.Milestone != nil {
			s.Milestone.CyclesUsed++
			m := *s.Milestone
			ms = &m
			if s.IsFixRound {
				status = tracker.MilestoneFixRound
			}
		}
		s.CycleCount++
		s.LastCycleAt = &now

		if s.ConsecutiveFailures >= FailureThreshold && !s.IsPaused {
			s.IsPaused = true
			s.PauseReason = fmt.Sprintf("auto-paused after %d consecutive failed cycles", s.ConsecutiveFailures)
			s.AutoPausedAt = &now
			autoPaused = true
			failures = s.ConsecutiveFailures
		}
	})

	if ms != nil && ms.TrackerID > 0 {
		r.recordMilestone(*ms, status)
	}
	if autoPaused {
		r.log.Error("auto-paused", "consecutive_failures", failures, "cooldown", AutoPauseCooldown)
		r.notify(notify.Notification{
			Title:   "Project auto-paused",
			Message: fmt.Sprintf("%d consecutive failed cycles; retrying in %s", failures, AutoPauseCooldown),
			Type:    notify.NotifyError,
			Kind:    notify.KindAutoPause,
		})
	}
}

// applyDirectives moves the phase state machine according to the manager's directives
func (r *Runner) applyDirectives(ctx context.Context, phase domain.Phase, set directive.Set) {
	switch phase {
	case domain.PhaseAthena:
		if set.Milestone == nil {
			return
		}
		m := *set.Milestone
		if id, err := r.tracker.StartMilestone(ctx, m); err != nil {
			r.log.Warn("recording milestone", "error", err)
		} else {
			m.TrackerID = id
		}
		r.transition(domain.PhaseImplementation, func(s *domain.RunnerState) {
			s.Milestone = &m
			s.Milestone.CyclesUsed = 0
			s.VerificationFeedback = nil
			s.IsFixRound = false
		})
		r.log.Info("milestone declared", "title", m.Title, "cycles", m.CyclesBudget)
		r.notify(notify.Notification{
			Title:   "Milestone declared",
			Message: fmt.Sprintf("%s (%d cycles)", m.Title, m.CyclesBudget),
			Type:    notify.NotifyInfo,
			Kind:    notify.KindMilestone,
		})

	case domain.PhaseImplementation:
		if !set.Claim {
			return
		}
		r.transition(domain.PhaseVerification, nil)
		r.log.Info("completion claimed, verifying")

	case domain.PhaseVerification:
		switch set.Verdict.Kind {
		case directive.VerdictPass:
			r.passVerification()
		case directive.VerdictFail:
			r.failVerification(set.Verdict.Feedback)
		}
	}
}

func (r *Runner) passVerification() {
	var m domain.Milestone
	r.transition(domain.PhaseAthena, func(s *domain.RunnerState) {
		if s.Milestone != nil {
			m = *s.Milestone
		}
		passed := domain.FeedbackPassed
		s.VerificationFeedback = &passed
		s.Milestone = nil
		s.IsFixRound = false
		s.LastMilestoneTitle = m.Title
		s.LastMilestoneOutcome = "passed verification"
	})
	r.recordMilestone(m, tracker.MilestonePassed)
	r.log.Info("verification passed", "milestone", m.Title)
	r.notify(notify.Notification{
		Title:   "Milestone passed",
		Message: m.Title,
		Type:    notify.NotifySuccess,
		Kind:    notify.KindVerification,
	})
}

func (r *Runner) failVerification(feedback string) {
	var m domain.Milestone
	r.transition(domain.PhaseImplementation, func(s *domain.RunnerState) {
		if s.Milestone == nil {
			return
		}
		s.Milestone.CyclesBudget = s.Milestone.CyclesUsed + s.Milestone.FixAllowance()
		s.IsFixRound = true
		fb := feedback
		s.VerificationFeedback = &fb
		m = *s.Milestone
	})
	r.recordMilestone(m, tracker.MilestoneFixRound)
	r.log.Warn("verification failed", "milestone", m.Title, "new_budget", m.CyclesBudget)
	r.notify(notify.Notification{
		Title:   "Verification failed",
		Message: fmt.Sprintf("%s: fix round with %d cycles left", m.Title, m.CyclesBudget-m.CyclesUsed),
		Type:    notify.NotifyWarning,
		Kind:    notify.KindVerification,
	})
}

// missDeadline sends the project back to strategy without invoking anyone
func (r *Runner) missDeadline(ctx context.Context, ms *domain.Milestone) {
	m := *ms
	r.transition(domain.PhaseAthena, func(s *domain.RunnerState) {
		s.Milestone = nil
		s.IsFixRound = false
		s.VerificationFeedback = nil
		s.LastMilestoneTitle = m.Title
		s.LastMilestoneOutcome = fmt.Sprintf("missed its deadline after %d cycles", m.CyclesUsed)
	})
	r.recordMilestone(m, tracker.MilestoneMissed)
	r.log.Warn("milestone deadline missed", "milestone", m.Title, "cycles_used", m.CyclesUsed)
	r.notify(notify.Notification{
		Title:   "Milestone deadline missed",
		Message: fmt.Sprintf("%s used all %d cycles", m.Title, m.CyclesBudget),
		Type:    notify.NotifyWarning,
		Kind:    notify.KindDeadline,
	})
}

// transition validates and applies a phase change together with fn
func (r *Runner) transition(to domain.Phase, fn func(s *domain.RunnerState)) {
	r.update(EventTransition, func(s *domain.RunnerState) {
		if !domain.CanTransition(s.Phase, to) {
			r.log.Error("invalid phase transition refused", "from", s.Phase, "to", to)
			return
		}
		if fn != nil {
			fn(s)
		}
		s.Phase = to
	})
}

func (r *Runner) recordMilestone(m domain.Milestone, status tracker.MilestoneStatus) {
	if m.TrackerID == 0 {
		return
	}
	if err := r.tracker.UpdateMilestone(context.Background(), m.TrackerID, m, status); err != nil {
		r.log.Warn("updating milestone record", "error", err)
	}
}

// modelFor resolves an agent's model: project override, then definition, then the default
func (r *Runner) modelFor(cfg config.ProjectConfig, def domain.AgentDefinition) string {
	fallback := def.Model
	if fallback == "" {
		fallback = r.opts.DefaultModel
	}
	return cfg.ModelFor(def.Name, fallback)
}
