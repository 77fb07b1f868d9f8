package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/prompts"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/roster"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/tracker"
)

// fakeAgents is a shell script standing in for the agent binary. Each agent's behavior is
// read from files in dir: <agent>.out is printed, <agent>.exit makes it fail, <agent>.sleep
// makes it hang.
type fakeAgents struct {
	dir string
	bin string
}

const fakeScript = `#!/bin/sh
d='%s'
echo "$CYCLE_AGENT" >> "$d/order"
echo "$CYCLE_FOCUS_ISSUES" > "$d/$CYCLE_AGENT.focus"
echo "${CYCLE_TRACKER_DB:-none}" > "$d/$CYCLE_AGENT.tracker"
printf '%%s' "$*" > "$d/$CYCLE_AGENT.args"
if [ -f "$d/$CYCLE_AGENT.sleep" ]; then
  sleep 10
fi
if [ -f "$d/$CYCLE_AGENT.exit" ]; then
  echo "agent failed" >&2
  exit "$(cat "$d/$CYCLE_AGENT.exit")"
fi
if [ -f "$d/$CYCLE_AGENT.out" ]; then
  cat "$d/$CYCLE_AGENT.out"
fi
`

func newFakeAgents(t *testing.T) *fakeAgents {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script agents need a unix shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(bin, []byte(fmt.Sprintf(fakeScript, dir)), 0755); err != nil {
		t.Fatal(err)
	}
	return &fakeAgents{dir: dir, bin: bin}
}

// reply makes agent succeed with text as its result
func (f *fakeAgents) reply(t *testing.T, agent, text string) {
	t.Helper()
	line, err := json.Marshal(map[string]interface{}{
		"result": text,
		"usage":  ledger.Usage{InputTokens: 10000, OutputTokens: 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(f.dir, agent+".exit"))
	f.write(t, agent+".out", string(line)+"\n")
}

func (f *fakeAgents) fail(t *testing.T, agent string) {
	t.Helper()
	f.write(t, agent+".exit", "1")
}

func (f *fakeAgents) hang(t *testing.T, agent string) {
	t.Helper()
	f.write(t, agent+".sleep", "")
}

func (f *fakeAgents) write(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fakeAgents) read(name string) string {
	data, _ := os.ReadFile(filepath.Join(f.dir, name))
	return strings.TrimSpace(string(data))
}

// order returns the agents in invocation order
func (f *fakeAgents) order() []string {
	text := f.read("order")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []notify.Kind
}

func (n *recordingNotifier) Send(ctx context.Context, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, msg.Kind)
	return nil
}

func (n *recordingNotifier) has(k notify.Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, got := range n.kinds {
		if got == k {
			return true
		}
	}
	return false
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) count(typ string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	r        *Runner
	agents   *fakeAgents
	notifier *recordingNotifier
	events   *eventLog
}

func newHarness(t *testing.T, cfg config.ProjectConfig) *harness {
	t.Helper()
	agents := newFakeAgents(t)
	dir := t.TempDir()
	if err := config.SaveProject(filepath.Join(dir, config.ProjectConfigName), cfg); err != nil {
		t.Fatal(err)
	}

	loader := prompts.NewLoader()
	managers, err := roster.LoadManagers(loader)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{agents: agents, notifier: &recordingNotifier{}, events: &eventLog{}}
	h.r, err = New(Options{
		ID:           "shop",
		RepoPath:     t.TempDir(),
		Dir:          dir,
		AgentBinary:  agents.bin,
		DefaultModel: "sonnet",
		Managers:     managers,
		Prompts:      loader,
		Notifier:     h.notifier,
		OnEvent:      h.events.add,
		ControlPoll:  10 * time.Millisecond,
		MinSleep:     10 * time.Millisecond,
		MaxSleep:     time.Second,
		InvokerPoll:  20 * time.Millisecond,
		Grace:        200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.r.Close() })
	return h
}

func quickConfig() config.ProjectConfig {
	cfg := config.DefaultProject()
	cfg.CycleInterval = 0
	cfg.AgentTimeout = time.Minute
	return cfg
}

func (h *harness) cycle(t *testing.T) bool {
	t.Helper()
	return h.r.runCycle(context.Background(), h.r.Config())
}

func (h *harness) setState(fn func(s *domain.RunnerState)) {
	h.r.update(EventState, fn)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

const milestoneReply = `Plan ready.
<!-- MILESTONE -->
{"title":"T","description":"D","cycles":5}
<!-- /MILESTONE -->`

func TestRunner_NewProjectStartsPaused(t *testing.T) {
	h := newHarness(t, quickConfig())

	st := h.r.State()
	if !st.IsPaused {
		t.Error("new project should start paused")
	}
	if st.Phase != domain.PhaseAthena || st.CycleCount != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestRunner_ResumeRunsAthenaEachIteration(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.agents.reply(t, "athena", "Nothing to plan yet.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.r.Start(ctx); err != ErrRunning {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := h.r.State().CycleCount; n != 0 {
		t.Fatalf("paused runner ran %d cycles", n)
	}

	h.r.Resume()
	waitFor(t, 10*time.Second, func() bool { return h.r.State().CycleCount >= 3 })
	h.r.Stop()
	h.r.Wait()

	if h.r.Running() {
		t.Error("runner still running after Stop")
	}
	order := h.agents.order()
	if len(order) < 3 {
		t.Fatalf("invocations = %v", order)
	}
	for _, a := range order {
		if a != "athena" {
			t.Errorf("unexpected agent %q in athena phase", a)
		}
	}
	st := h.r.State()
	if st.Phase != domain.PhaseAthena || st.IsPaused {
		t.Errorf("state = %+v", st)
	}
	if st.NextCycleAt == nil {
		t.Error("NextCycleAt not recorded")
	}
}

func TestRunner_MilestoneDeclared(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.agents.reply(t, "athena", milestoneReply)

	if !h.cycle(t) {
		t.Error("athena cycle should be followed by a sleep")
	}

	st := h.r.State()
	if st.Phase != domain.PhaseImplementation {
		t.Fatalf("Phase = %s, want implementation", st.Phase)
	}
	m := st.Milestone
	if m == nil || m.Title != "T" || m.CyclesBudget != 5 || m.CyclesUsed != 0 || m.OriginalBudget != 5 {
		t.Fatalf("Milestone = %+v", m)
	}
	if st.CycleCount != 1 || st.ConsecutiveFailures != 0 {
		t.Errorf("CycleCount = %d, failures = %d", st.CycleCount, st.ConsecutiveFailures)
	}
	if !h.notifier.has(notify.KindMilestone) {
		t.Error("milestone notification not sent")
	}
	if h.events.count(EventTransition) != 1 {
		t.Errorf("transition events = %d, want 1", h.events.count(EventTransition))
	}

	records, err := h.r.Tracker().ListMilestones(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Status != tracker.MilestoneActive || records[0].ID != m.TrackerID {
		t.Errorf("tracker milestones = %+v", records)
	}

	sum := h.r.Status(context.Background())
	if sum.Cost.Cycles != 1 || sum.Cost.TotalCost <= 0 {
		t.Errorf("cost = %+v, want one priced cycle", sum.Cost)
	}
}

func TestRunner_MilestoneLifecycle(t *testing.T) {
	h := newHarness(t, quickConfig())

	h.agents.reply(t, "athena", milestoneReply)
	h.cycle(t)

	h.agents.reply(t, "ares", "Progress made.")
	h.cycle(t)
	if st := h.r.State(); st.Phase != domain.PhaseImplementation || st.Milestone.CyclesUsed != 1 {
		t.Fatalf("after work cycle: phase %s used %d", st.Phase, st.Milestone.CyclesUsed)
	}

	h.agents.reply(t, "ares", "Done. <!-- CLAIM_COMPLETE -->")
	h.cycle(t)
	if st := h.r.State(); st.Phase != domain.PhaseVerification || st.Milestone.CyclesUsed != 2 {
		t.Fatalf("after claim: phase %s used %d", st.Phase, st.Milestone.CyclesUsed)
	}

	h.agents.reply(t, "apollo", `<!-- VERIFY_FAIL -->{"feedback":"tests missing"}<!-- /VERIFY_FAIL -->`)
	h.cycle(t)
	st := h.r.State()
	if st.Phase != domain.PhaseImplementation || !st.IsFixRound {
		t.Fatalf("after fail: phase %s fix round %v", st.Phase, st.IsFixRound)
	}
	if st.Milestone.CyclesBudget != 2+5/2 {
		t.Errorf("fix-round budget = %d, want %d", st.Milestone.CyclesBudget, 2+5/2)
	}
	if st.VerificationFeedback == nil || *st.VerificationFeedback != "tests missing" {
		t.Errorf("feedback = %v", st.VerificationFeedback)
	}

	h.agents.reply(t, "ares", "Fixed. <!-- CLAIM_COMPLETE -->")
	h.cycle(t)
	if st := h.r.State(); st.Phase != domain.PhaseVerification || !st.IsFixRound {
		t.Fatalf("after second claim: phase %s fix round %v", st.Phase, st.IsFixRound)
	}

	h.agents.reply(t, "apollo", "All good. <!-- VERIFY_PASS -->")
	h.cycle(t)
	st = h.r.State()
	if st.Phase != domain.PhaseAthena || st.Milestone != nil || st.IsFixRound {
		t.Fatalf("after pass: %+v", st)
	}
	if !st.VerificationPassed() || st.LastMilestoneTitle != "T" {
		t.Errorf("feedback %v, last milestone %q", st.VerificationFeedback, st.LastMilestoneTitle)
	}
	if st.CycleCount != 6 {
		t.Errorf("CycleCount = %d, want 6", st.CycleCount)
	}

	records, err := h.r.Tracker().ListMilestones(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Status != tracker.MilestonePassed {
		t.Errorf("tracker milestones = %+v", records)
	}
	if !h.notifier.has(notify.KindVerification) {
		t.Error("verification notification not sent")
	}
}

func TestRunner_FailedCycleNotCharged(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.setState(func(s *domain.RunnerState) {
		s.IsPaused = false
		s.Phase = domain.PhaseImplementation
		s.Milestone = &domain.Milestone{Title: "M", CyclesBudget: 5, OriginalBudget: 5}
	})

	h.agents.fail(t, "ares")
	h.cycle(t)
	st := h.r.State()
	if st.Milestone.CyclesUsed != 0 {
		t.Errorf("failed cycle charged: CyclesUsed = %d", st.Milestone.CyclesUsed)
	}
	if st.ConsecutiveFailures != 1 || st.CycleCount != 1 {
		t.Errorf("failures = %d, CycleCount = %d", st.ConsecutiveFailures, st.CycleCount)
	}

	h.agents.reply(t, "ares", "ok")
	h.cycle(t)
	st = h.r.State()
	if st.Milestone.CyclesUsed != 1 || st.ConsecutiveFailures != 0 || st.CycleCount != 2 {
		t.Errorf("after success: used %d failures %d cycles %d", st.Milestone.CyclesUsed, st.ConsecutiveFailures, st.CycleCount)
	}
}

func TestRunner_AutoPauseAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.setState(func(s *domain.RunnerState) { s.IsPaused = false })
	h.agents.fail(t, "athena")

	for i := 0; i < FailureThreshold; i++ {
		h.cycle(t)
	}

	st := h.r.State()
	if !st.IsPaused || st.AutoPausedAt == nil {
		t.Fatalf("not auto-paused: %+v", st)
	}
	if !strings.Contains(st.PauseReason, "10") {
		t.Errorf("PauseReason = %q, want failure count", st.PauseReason)
	}
	if st.ConsecutiveFailures != FailureThreshold {
		t.Errorf("failures = %d", st.ConsecutiveFailures)
	}
	if !h.notifier.has(notify.KindAutoPause) {
		t.Error("auto-pause notification not sent")
	}

	h.r.Resume()
	if st := h.r.State(); st.IsPaused || st.ConsecutiveFailures != 0 {
		t.Errorf("after resume: %+v", st)
	}
}

func TestRunner_SuccessResetsFailureCounter(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.setState(func(s *domain.RunnerState) {
		s.IsPaused = false
		s.ConsecutiveFailures = FailureThreshold - 1
	})
	h.agents.reply(t, "athena", "fine")

	h.cycle(t)
	if st := h.r.State(); st.ConsecutiveFailures != 0 || st.IsPaused {
		t.Errorf("state = %+v", st)
	}
}

func TestRunner_AutoPauseCooldown(t *testing.T) {
	h := newHarness(t, quickConfig())
	past := time.Now().Add(-AutoPauseCooldown - time.Minute)
	h.setState(func(s *domain.RunnerState) {
		s.IsPaused = true
		s.PauseReason = "auto-paused after 10 consecutive failed cycles"
		s.AutoPausedAt = &past
		s.ConsecutiveFailures = 10
	})

	if !h.r.waitWhilePaused(context.Background()) {
		t.Fatal("waitWhilePaused returned false")
	}
	st := h.r.State()
	if st.IsPaused || st.AutoPausedAt != nil || st.ConsecutiveFailures != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestRunner_ManualPauseWaits(t *testing.T) {
	h := newHarness(t, quickConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if h.r.waitWhilePaused(ctx) {
		t.Error("manual pause should hold until resumed")
	}
}

func TestRunner_DeadlineMiss(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.setState(func(s *domain.RunnerState) {
		s.IsPaused = false
		s.Phase = domain.PhaseImplementation
		s.Milestone = &domain.Milestone{Title: "M", CyclesBudget: 2, CyclesUsed: 2, OriginalBudget: 2}
		s.CycleCount = 4
	})
	h.agents.reply(t, "ares", "should not run")

	if h.cycle(t) {
		t.Error("deadline miss should not sleep")
	}

	st := h.r.State()
	if st.Phase != domain.PhaseAthena || st.Milestone != nil {
		t.Errorf("state = %+v", st)
	}
	if st.CycleCount != 4 {
		t.Errorf("CycleCount = %d, want 4", st.CycleCount)
	}
	if !strings.Contains(st.LastMilestoneOutcome, "missed") {
		t.Errorf("LastMilestoneOutcome = %q", st.LastMilestoneOutcome)
	}
	if order := h.agents.order(); len(order) != 0 {
		t.Errorf("agents invoked on deadline miss: %v", order)
	}
	if !h.notifier.has(notify.KindDeadline) {
		t.Error("deadline notification not sent")
	}
}

func TestRunner_Delegation(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.setState(func(s *domain.RunnerState) { s.IsPaused = false })

	workers := roster.NewWorkers(h.r.Layout().Workers())
	for _, name := range []string{"coder", "tester"} {
		err := workers.Save(domain.AgentDefinition{Name: name, Role: name, Kind: domain.KindWorker, Rules: "You are " + name + "."})
		if err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	for _, title := range []string{"Login broken", "Slow search", "Cart rounding"} {
		if _, err := h.r.Tracker().CreateIssue(ctx, title, title+" details", "athena"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.r.Tracker().AddComment(ctx, 3, "qa", "Off by one cent"); err != nil {
		t.Fatal(err)
	}

	h.agents.reply(t, "athena", `<!-- SCHEDULE -->
{"agents": {
  "coder": {"task": "Fix #3 and #7", "visibility": "focused"},
  "ghost": "nobody home",
  "tester": {"task": "Run the suite", "visibility": "blind"}
}}
<!-- /SCHEDULE -->`)
	h.agents.reply(t, "coder", "fixed")
	h.agents.reply(t, "tester", "green")

	h.cycle(t)

	want := []string{"athena", "coder", "tester"}
	if got := h.agents.order(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
	if got := h.agents.read("coder.focus"); got != "3,7" {
		t.Errorf("coder focus = %q, want 3,7", got)
	}
	if got := h.agents.read("tester.tracker"); got != "none" {
		t.Errorf("blind worker got tracker %q", got)
	}
	if got := h.agents.read("coder.tracker"); got != "none" {
		t.Errorf("focused worker got the tracker database %q", got)
	}
	args := h.agents.read("coder.args")
	for _, want := range []string{"#### #3 Cart rounding (open)", "Cart rounding details", "> qa: Off by one cent", "Issue #7 does not exist"} {
		if !strings.Contains(args, want) {
			t.Errorf("coder prompt misses %q", want)
		}
	}
	for _, leaked := range []string{"Login broken", "Slow search", "Skill: issue tracker"} {
		if strings.Contains(args, leaked) {
			t.Errorf("coder prompt leaks %q", leaked)
		}
	}

	st := h.r.State()
	if strings.Join(st.CompletedAgents, ",") != "athena,coder,tester" {
		t.Errorf("CompletedAgents = %v", st.CompletedAgents)
	}
	if st.CurrentSchedule == nil || len(st.CurrentSchedule.Delegations) != 3 {
		t.Errorf("CurrentSchedule = %+v", st.CurrentSchedule)
	}
	if st.CycleCount != 1 || st.ConsecutiveFailures != 0 {
		t.Errorf("CycleCount %d failures %d", st.CycleCount, st.ConsecutiveFailures)
	}

	agents, err := h.r.Tracker().ListAgents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 5 {
		t.Errorf("synced agents = %d, want 3 managers + 2 workers", len(agents))
	}
}

func TestRunner_WorkerFailureStillCountsCycle(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.setState(func(s *domain.RunnerState) {
		s.IsPaused = false
		s.Phase = domain.PhaseImplementation
		s.Milestone = &domain.Milestone{Title: "M", CyclesBudget: 5, OriginalBudget: 5}
	})
	roster.NewWorkers(h.r.Layout().Workers()).Save(domain.AgentDefinition{Name: "coder", Role: "coder"})
	h.agents.reply(t, "ares", `<!-- SCHEDULE -->{"agents":{"coder":"do it"}}<!-- /SCHEDULE -->`)
	h.agents.fail(t, "coder")

	h.cycle(t)
	st := h.r.State()
	if st.Milestone.CyclesUsed != 1 || st.ConsecutiveFailures != 0 {
		t.Errorf("used %d failures %d", st.Milestone.CyclesUsed, st.ConsecutiveFailures)
	}
}

func TestRunner_DisabledManagerIdles(t *testing.T) {
	cfg := quickConfig()
	cfg.Disabled["athena"] = true
	h := newHarness(t, cfg)
	h.setState(func(s *domain.RunnerState) { s.IsPaused = false })
	h.agents.reply(t, "athena", milestoneReply)

	if !h.cycle(t) {
		t.Error("idle cycle should still sleep")
	}
	st := h.r.State()
	if st.CycleCount != 0 || st.Phase != domain.PhaseAthena {
		t.Errorf("state = %+v", st)
	}
	if order := h.agents.order(); len(order) != 0 {
		t.Errorf("disabled manager invoked: %v", order)
	}
}

func TestRunner_TimeoutIsFailure(t *testing.T) {
	cfg := quickConfig()
	cfg.AgentTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	h.setState(func(s *domain.RunnerState) { s.IsPaused = false })
	h.agents.hang(t, "athena")

	h.cycle(t)

	if st := h.r.State(); st.ConsecutiveFailures != 1 {
		t.Errorf("failures = %d, want 1", st.ConsecutiveFailures)
	}
	reports, err := h.r.Tracker().ListReports(context.Background(), tracker.ReportFilter{Agent: "athena"})
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	body := reports[0].Body
	if !strings.HasPrefix(body, "[TIMEOUT]") || !strings.Contains(body, "100ms") {
		t.Errorf("report body = %q", body)
	}
}

func TestRunner_Bootstrap(t *testing.T) {
	h := newHarness(t, quickConfig())
	l := h.r.Layout()
	if err := os.WriteFile(filepath.Join(l.Workspace(), "notes.md"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	h.setState(func(s *domain.RunnerState) {
		s.IsPaused = false
		s.CycleCount = 7
		s.Phase = domain.PhaseImplementation
		s.Milestone = &domain.Milestone{Title: "M", CyclesBudget: 3}
	})
	if err := ledger.Open(l.Ledger()).Append(domain.CostEntry{Timestamp: time.Now(), Cycle: 7, Agent: "ares", Cost: 1}); err != nil {
		t.Fatal(err)
	}

	if err := h.r.Bootstrap(); err != nil {
		t.Fatal(err)
	}

	st := h.r.State()
	if !st.IsPaused || st.CycleCount != 0 || st.Phase != domain.PhaseAthena || st.Milestone != nil {
		t.Errorf("state after bootstrap = %+v", st)
	}
	files, _ := os.ReadDir(l.Workspace())
	if len(files) != 0 {
		t.Errorf("workspace not wiped: %d entries", len(files))
	}
	entries, err := ledger.Open(l.Ledger()).Entries()
	if err != nil || len(entries) != 1 {
		t.Errorf("ledger after bootstrap: %d entries, err %v", len(entries), err)
	}
	persisted, err := LoadState(l.State())
	if err != nil || persisted.CycleCount != 0 || !persisted.IsPaused {
		t.Errorf("persisted state = %+v, err %v", persisted, err)
	}
}

func TestRunner_AgentDetail(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.setState(func(s *domain.RunnerState) { s.IsPaused = false })
	h.agents.reply(t, "athena", "a thoughtful answer")
	h.cycle(t)

	d, err := h.r.Agent(context.Background(), "athena")
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "athena" || d.ResolvedModel != "opus" || d.Totals.Invocations != 1 {
		t.Errorf("detail = %+v", d.AgentStatus)
	}
	if len(d.Reports) != 1 || !strings.Contains(d.ResponseTail, "a thoughtful answer") {
		t.Errorf("reports %d, tail %q", len(d.Reports), d.ResponseTail)
	}

	if _, err := h.r.Agent(context.Background(), "nobody"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestRunner_LogsCaptured(t *testing.T) {
	h := newHarness(t, quickConfig())
	h.r.Pause("")

	lines := h.r.Logs().Lines(0)
	if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], "paused") {
		t.Errorf("log lines = %v", lines)
	}
}
