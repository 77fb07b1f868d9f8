package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/runner"
)

func TestCollectProjectRow(t *testing.T) {
	now := time.Now()
	dir := t.TempDir()
	l := runner.Layout{Dir: dir}
	if err := l.Ensure(); err != nil {
		t.Fatal(err)
	}

	st := domain.NewRunnerState()
	st.IsPaused = false
	st.PauseReason = ""
	st.Phase = domain.PhaseImplementation
	st.CycleCount = 7
	st.Milestone = &domain.Milestone{Title: "Checkout flow", CyclesBudget: 5, CyclesUsed: 2}
	if err := runner.SaveState(l.State(), st); err != nil {
		t.Fatal(err)
	}

	pc := config.DefaultProject()
	pc.BudgetPer24h = 10
	if err := config.SaveProject(l.Config(), pc); err != nil {
		t.Fatal(err)
	}
	lg := ledger.Open(l.Ledger())
	lg.Append(domain.CostEntry{Timestamp: now.Add(-time.Hour), Cycle: 6, Agent: "ares", Cost: 1.5, Duration: time.Minute})
	lg.Append(domain.CostEntry{Timestamp: now.Add(-48 * time.Hour), Cycle: 1, Agent: "athena", Cost: 4, Duration: time.Minute})

	row := collectProjectRow("shop", dir, now)
	if row.Unreadable || row.Phase != domain.PhaseImplementation || row.Cycle != 7 {
		t.Errorf("row = %+v", row)
	}
	if row.Spent24h != 1.5 || row.Budget != 10 {
		t.Errorf("spend = %v / %v, want 1.5 / 10", row.Spent24h, row.Budget)
	}
	if row.Milestone != "Checkout flow (2/5)" {
		t.Errorf("milestone = %q", row.Milestone)
	}

	out := renderStatusTable([]projectRow{row}, now)
	for _, want := range []string{"shop", "implementation", "Checkout flow", "$1.50 / $10.00", "active"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestCollectProjectRow_FreshAndCorrupt(t *testing.T) {
	now := time.Now()

	fresh := collectProjectRow("new", t.TempDir(), now)
	if !fresh.Paused || fresh.Phase != domain.PhaseAthena {
		t.Errorf("fresh row = %+v", fresh)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, runner.StateFileName), []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	row := collectProjectRow("bad", dir, now)
	if !row.Unreadable {
		t.Errorf("corrupt state not flagged: %+v", row)
	}
	if _, err := os.Stat(filepath.Join(dir, runner.StateFileName)); err != nil {
		t.Errorf("status must not move the state file: %v", err)
	}

	out := renderStatusTable([]projectRow{fresh, row}, now)
	if !strings.Contains(out, "paused: new project") || !strings.Contains(out, "unreadable state") {
		t.Errorf("table:\n%s", out)
	}
}

func TestFormatBudget(t *testing.T) {
	tests := []struct {
		spent, budget float64
		want          string
	}{
		{2, 0, "$2.00 / unlimited"},
		{2.5, 20, "$2.50 / $20.00"},
	}
	for _, tt := range tests {
		if got := formatBudget(tt.spent, tt.budget); got != tt.want {
			t.Errorf("formatBudget(%v, %v) = %q, want %q", tt.spent, tt.budget, got, tt.want)
		}
	}
}

func TestRenderLedger(t *testing.T) {
	now := time.Now()
	entries := []domain.CostEntry{
		{Timestamp: now.Add(-3 * time.Hour), Cycle: 1, Agent: "athena", Cost: 0.5, Duration: time.Minute},
		{Timestamp: now.Add(-2 * time.Hour), Cycle: 2, Agent: "ares", Cost: 1.25, Duration: 2 * time.Minute},
		{Timestamp: now.Add(-time.Hour), Cycle: 3, Agent: "ares", Cost: 2, Duration: 3 * time.Minute},
	}

	out := renderLedger(entries, 2, now)
	for _, want := range []string{"ares", "athena", "cycles: 3", "total: $3.7500"} {
		if !strings.Contains(out, want) {
			t.Errorf("ledger missing %q:\n%s", want, out)
		}
	}
}

func TestInitProject(t *testing.T) {
	cfg := config.Default()
	cfg.General.DataDir = t.TempDir()
	repo := t.TempDir()

	pc := config.DefaultProject()
	pc.BudgetPer24h = 25
	pc.TrackerRepo = "acme/shop"
	if err := initProject(cfg, "shop", repo, pc); err != nil {
		t.Fatalf("initProject: %v", err)
	}

	if _, ok := cfg.Project("shop"); !ok {
		t.Error("project not registered")
	}
	l := runner.Layout{Dir: cfg.ProjectDir("shop")}
	got := config.LoadProject(l.Config(), quietLogger())
	if got.BudgetPer24h != 25 || got.TrackerRepo != "acme/shop" {
		t.Errorf("project config = %+v", got)
	}
	if _, err := os.Stat(l.Workers()); err != nil {
		t.Errorf("workers dir: %v", err)
	}

	tests := []struct {
		name, id, repo string
	}{
		{"duplicate", "shop", repo},
		{"bad id", "Shop!", repo},
		{"missing repo", "blog", filepath.Join(repo, "nope")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := initProject(cfg, tt.id, tt.repo, pc); err == nil {
				t.Error("expected error")
			}
		})
	}
}
