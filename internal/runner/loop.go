package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/scheduler"
)

func (r *Runner) loop(ctx context.Context) {
	r.log.Info("loop started")
	defer func() {
		r.mu.Lock()
		r.running = false
		close(r.done)
		r.mu.Unlock()
		r.log.Info("loop stopped")
	}()

	for {
		if r.stopRequested(ctx) {
			return
		}
		if !r.waitWhilePaused(ctx) {
			return
		}

		cfg := r.Config()
		sleep := r.safeCycle(ctx, cfg)
		if r.stopRequested(ctx) {
			return
		}
		if !sleep {
			continue
		}
		r.sleepUntilNextCycle(ctx)
	}
}

// safeCycle runs one cycle and turns a panic into a failed cycle
func (r *Runner) safeCycle(ctx context.Context, cfg config.ProjectConfig) (sleep bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("cycle panicked", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			r.account(cycleTally{failures: 1}, domain.PhaseAthena)
			sleep = true
		}
	}()
	return r.runCycle(ctx, cfg)
}

// waitWhilePaused blocks while the project is paused. An auto-pause lifts itself after
// the cooldown. It returns false when the loop should exit.
func (r *Runner) waitWhilePaused(ctx context.Context) bool {
	logged := false
	for {
		if r.stopRequested(ctx) {
			return false
		}

		st := r.State()
		if !st.IsPaused {
			return true
		}
		if st.AutoPausedAt != nil && time.Since(*st.AutoPausedAt) >= AutoPauseCooldown {
			r.update(EventResume, func(s *domain.RunnerState) {
				s.IsPaused = false
				s.PauseReason = ""
				s.AutoPausedAt = nil
				s.ConsecutiveFailures = 0
			})
			r.log.Info("auto-pause cooldown elapsed, resuming")
			return true
		}
		if !logged {
			r.log.Info("waiting while paused", "reason", st.PauseReason)
			logged = true
		}

		select {
		case <-ctx.Done():
			return false
		case <-r.wakeCh:
		case <-time.After(r.controlPoll()):
		}
	}
}

// decide computes the next sleep from the ledger and the current configuration
func (r *Runner) decide(cfg config.ProjectConfig, now time.Time) scheduler.Decision {
	entries, err := r.ledger.Entries()
	if err != nil {
		r.log.Warn("reading cost ledger", "error", err)
	}

	st := r.State()
	model := r.opts.DefaultModel
	if mgr, ok := r.managers.ForPhase(st.Phase); ok {
		model = r.modelFor(cfg, mgr)
	}
	workers, _ := r.workers.List()

	return scheduler.ComputeSleep(entries, scheduler.Params{
		Budget:       cfg.BudgetPer24h,
		Interval:     cfg.CycleInterval,
		AgentTimeout: cfg.AgentTimeout,
		Model:        model,
		AgentCount:   1 + len(workers),
		MinSleep:     r.opts.MinSleep,
		MaxSleep:     r.opts.MaxSleep,
	}, now)
}

// applyDecision records a sleep decision and notifies when the budget runs out
func (r *Runner) applyDecision(d scheduler.Decision, start time.Time) {
	next := start.Add(d.Sleep)
	var wasExhausted bool
	r.update(EventState, func(s *domain.RunnerState) {
		wasExhausted = s.BudgetExhausted
		s.BudgetExhausted = d.Exhausted
		s.NextCycleAt = &next
	})
	r.mu.Lock()
	r.decision = &d
	r.mu.Unlock()

	if d.Exhausted && !wasExhausted {
		r.log.Warn("budget exhausted", "spent_24h", d.Spent24h, "sleep", d.Sleep)
		r.notify(notify.Notification{
			Title:   "Budget exhausted",
			Message: fmt.Sprintf("$%.2f spent in the last 24h; next cycle in %s", d.Spent24h, d.Sleep.Round(time.Second)),
			Type:    notify.NotifyWarning,
			Kind:    notify.KindBudget,
		})
	}
}

// sleepUntilNextCycle waits out the scheduler's decision. A skip, pause or stop ends the
// wait; a reload recomputes the deadline from the original start.
func (r *Runner) sleepUntilNextCycle(ctx context.Context) {
	// a stale skip must not cut this sleep short
	select {
	case <-r.wakeCh:
	default:
	}

	start := time.Now()
	d := r.decide(r.Config(), start)
	r.applyDecision(d, start)
	r.log.Info("sleeping", "duration", d.Sleep.Round(time.Second), "reason", d.Reason)

	ticker := time.NewTicker(r.controlPoll())
	defer ticker.Stop()
	for {
		remaining := time.Until(start.Add(d.Sleep))
		if remaining <= 0 {
			return
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wakeCh:
			timer.Stop()
			return
		case <-r.reloadCh:
			timer.Stop()
			d = r.decide(r.Config(), time.Now())
			r.applyDecision(d, start)
			r.log.Info("configuration changed, sleep recomputed", "duration", d.Sleep.Round(time.Second))
		case <-ticker.C:
			timer.Stop()
			if r.interrupted(ctx) {
				return
			}
		case <-timer.C:
			return
		}
	}
}

// wait blocks for d unless the loop is interrupted. It returns false when interrupted.
func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !r.interrupted(ctx)
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(r.controlPoll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.wakeCh:
			return !r.interrupted(ctx)
		case <-ticker.C:
			if r.interrupted(ctx) {
				return false
			}
		case <-deadline.C:
			return !r.interrupted(ctx)
		}
	}
}
