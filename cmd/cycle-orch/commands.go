package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/roster"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/runner"
)

var (
	ledgerCycles int

	initBudget      float64
	initInterval    time.Duration
	initTrackerRepo string

	workerRole      string
	workerModel     string
	workerReportsTo string
	workerRulesFile string
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status [PROJECT...]",
		Short: "Show the persisted state of projects",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	ledgerCmd := &cobra.Command{
		Use:   "ledger PROJECT",
		Short: "Show per-cycle and per-agent spend",
		Args:  cobra.ExactArgs(1),
		RunE:  runLedger,
	}
	ledgerCmd.Flags().IntVar(&ledgerCycles, "cycles", 20, "number of most recent cycles to show")
	rootCmd.AddCommand(ledgerCmd)

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap PROJECT",
		Short: "Wipe a stopped project's workspace and reset its state",
		Long: `Wipe the project workspace and reset its runner state to a fresh, paused
athena phase. The cost ledger, milestone tracker and logs are kept. Use the
control API instead while the orchestrator is serving the project.`,
		Args: cobra.ExactArgs(1),
		RunE: runBootstrap,
	}
	rootCmd.AddCommand(bootstrapCmd)

	initCmd := &cobra.Command{
		Use:   "init-project PROJECT REPO_PATH",
		Short: "Register a project and write its default configuration",
		Args:  cobra.ExactArgs(2),
		RunE:  runInitProject,
	}
	initCmd.Flags().Float64Var(&initBudget, "budget", 0, "USD budget per 24 hours (0 = unlimited)")
	initCmd.Flags().DurationVar(&initInterval, "interval", config.DefaultCycleInterval, "base cycle interval")
	initCmd.Flags().StringVar(&initTrackerRepo, "tracker-repo", "", "owner/repo used for issues and pull requests")
	rootCmd.AddCommand(initCmd)

	workersCmd := &cobra.Command{
		Use:   "workers PROJECT",
		Short: "List a project's worker agents",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkers,
	}
	addWorkerCmd := &cobra.Command{
		Use:   "add PROJECT NAME",
		Short: "Create or replace a worker agent",
		Args:  cobra.ExactArgs(2),
		RunE:  runAddWorker,
	}
	addWorkerCmd.Flags().StringVar(&workerRole, "role", "", "short role description")
	addWorkerCmd.Flags().StringVar(&workerModel, "model", "", "model override")
	addWorkerCmd.Flags().StringVar(&workerReportsTo, "reports-to", "", "manager that delegates to this worker")
	addWorkerCmd.Flags().StringVar(&workerRulesFile, "rules", "", "file holding the worker's rules")
	removeWorkerCmd := &cobra.Command{
		Use:   "remove PROJECT NAME",
		Short: "Delete a worker agent",
		Args:  cobra.ExactArgs(2),
		RunE:  runRemoveWorker,
	}
	workersCmd.AddCommand(addWorkerCmd, removeWorkerCmd)
	rootCmd.AddCommand(workersCmd)
}

// projectRow is one line of the status table
type projectRow struct {
	ID         string
	Phase      domain.Phase
	Cycle      int
	Milestone  string
	Paused     bool
	Reason     string
	Failures   int
	Spent24h   float64
	Budget     float64
	NextCycle  *time.Time
	Unreadable bool
}

// readState decodes state.json without the recovery side effects of the runner
func readState(path string) (*domain.RunnerState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return domain.NewRunnerState(), nil
	}
	if err != nil {
		return nil, err
	}
	var s domain.RunnerState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func collectProjectRow(id, dir string, now time.Time) projectRow {
	l := runner.Layout{Dir: dir}
	row := projectRow{ID: id}

	st, err := readState(l.State())
	if err != nil {
		row.Unreadable = true
		return row
	}
	row.Phase = st.Phase
	row.Cycle = st.CycleCount
	row.Paused = st.IsPaused
	row.Reason = st.PauseReason
	row.Failures = st.ConsecutiveFailures
	row.NextCycle = st.NextCycleAt
	if st.Milestone != nil {
		row.Milestone = fmt.Sprintf("%s (%d/%d)", st.Milestone.Title, st.Milestone.CyclesUsed, st.Milestone.CyclesBudget)
	}

	row.Budget = config.LoadProject(l.Config(), quietLogger()).BudgetPer24h
	if entries, err := ledger.Open(l.Ledger()).Entries(); err == nil {
		row.Spent24h, _ = ledger.Window24h(entries, now)
	}
	return row
}

func formatBudget(spent, budget float64) string {
	if budget <= 0 {
		return fmt.Sprintf("$%.2f / unlimited", spent)
	}
	return fmt.Sprintf("$%.2f / $%.2f", spent, budget)
}

func renderStatusTable(rows []projectRow, now time.Time) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("PROJECT", "PHASE", "CYCLE", "MILESTONE", "SPEND 24H", "NEXT", "STATE")

	paused := make(map[int]bool)
	for i, r := range rows {
		if r.Unreadable {
			t.Row(r.ID, "-", "-", "-", "-", "-", "unreadable state")
			continue
		}
		next := "-"
		if r.NextCycle != nil && !r.Paused {
			if d := r.NextCycle.Sub(now); d > 0 {
				next = "in " + d.Round(time.Second).String()
			} else {
				next = "now"
			}
		}
		state := "active"
		if r.Paused {
			state = "paused: " + r.Reason
			paused[i] = true
		} else if r.Failures > 0 {
			state = fmt.Sprintf("active (%d failed)", r.Failures)
		}
		milestone := r.Milestone
		if milestone == "" {
			milestone = "-"
		}
		t.Row(r.ID, string(r.Phase), strconv.Itoa(r.Cycle), milestone, formatBudget(r.Spent24h, r.Budget), next, state)
	}

	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case paused[row]:
			return pausedStyle
		default:
			return cellStyle
		}
	})
	return t.Render()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ids := args
	if len(ids) == 0 {
		for _, p := range cfg.Projects {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		fmt.Println("No projects configured")
		return nil
	}

	now := time.Now()
	rows := make([]projectRow, 0, len(ids))
	for _, id := range ids {
		_, dir, err := projectLayout(cfg, id)
		if err != nil {
			return err
		}
		rows = append(rows, collectProjectRow(id, dir, now))
	}

	fmt.Println(titleStyle.Render("Cycle Orchestrator"))
	fmt.Println(renderStatusTable(rows, now))
	return nil
}

func renderLedger(entries []domain.CostEntry, cycles int, now time.Time) string {
	totals := ledger.ByCycle(entries)
	if cycles > 0 && len(totals) > cycles {
		totals = totals[len(totals)-cycles:]
	}

	ct := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("CYCLE", "COST", "DURATION")
	for _, c := range totals {
		ct.Row(strconv.Itoa(c.Cycle), fmt.Sprintf("$%.4f", c.Cost), c.Duration.Round(time.Second).String())
	}

	sum := ledger.Summarize(entries, now)
	at := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("AGENT", "INVOCATIONS", "COST", "DURATION")
	for _, a := range sum.PerAgent {
		at.Row(a.Agent, strconv.Itoa(a.Invocations), fmt.Sprintf("$%.4f", a.Cost), a.Duration.Round(time.Second).String())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Cycles"))
	fmt.Fprintf(&b, "%s\n", ct.Render())
	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Agents"))
	fmt.Fprintf(&b, "%s\n", at.Render())
	fmt.Fprintf(&b, "cycles: %d | total: $%.4f | last 24h: $%.4f | avg/cycle: $%.4f\n",
		sum.Cycles, sum.TotalCost, sum.Spent24h, sum.AvgCycleCost)
	return b.String()
}

func runLedger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, dir, err := projectLayout(cfg, args[0])
	if err != nil {
		return err
	}

	entries, err := ledger.Open(runner.Layout{Dir: dir}.Ledger()).Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No spend recorded")
		return nil
	}
	fmt.Print(renderLedger(entries, ledgerCycles, time.Now()))
	return nil
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, dir, err := projectLayout(cfg, args[0])
	if err != nil {
		return err
	}

	if _, err := runner.ResetProject(runner.Layout{Dir: dir}, "bootstrapped: awaiting manual resume"); err != nil {
		return err
	}
	fmt.Printf("Project %s reset; resume it to start planning\n", args[0])
	return nil
}

// initProject registers a project in cfg and prepares its directory
func initProject(cfg *config.Config, id, repoPath string, pc config.ProjectConfig) error {
	if err := config.ValidateProjectID(id); err != nil {
		return err
	}
	if _, exists := cfg.Project(id); exists {
		return fmt.Errorf("project %q already registered", id)
	}
	info, err := os.Stat(config.ExpandPath(repoPath))
	if err != nil {
		return fmt.Errorf("repo path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repo path %s is not a directory", repoPath)
	}

	l := runner.Layout{Dir: cfg.ProjectDir(id)}
	if err := l.Ensure(); err != nil {
		return err
	}
	if _, err := os.Stat(l.Config()); os.IsNotExist(err) {
		if err := config.SaveProject(l.Config(), pc); err != nil {
			return err
		}
	}

	cfg.Projects = append(cfg.Projects, config.ProjectRef{ID: id, RepoPath: repoPath})
	return cfg.Validate()
}

func runInitProject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pc := config.DefaultProject()
	pc.BudgetPer24h = initBudget
	pc.CycleInterval = initInterval
	pc.TrackerRepo = initTrackerRepo
	if initBudget < 0 || initInterval < 0 {
		return fmt.Errorf("budget and interval must not be negative")
	}

	if err := initProject(cfg, args[0], args[1], pc); err != nil {
		return err
	}
	if err := cfg.Save(resolveConfigPath()); err != nil {
		return err
	}
	fmt.Printf("Registered %s at %s\n", args[0], cfg.ProjectDir(args[0]))
	fmt.Println("The project starts paused; resume it once the orchestrator is serving.")
	return nil
}

func projectWorkers(args []string) (*roster.Workers, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_, dir, err := projectLayout(cfg, args[0])
	if err != nil {
		return nil, err
	}
	return roster.NewWorkers(runner.Layout{Dir: dir}.Workers()), nil
}

func runWorkers(cmd *cobra.Command, args []string) error {
	workers, err := projectWorkers(args)
	if err != nil {
		return err
	}
	defs, errs := workers.List()
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "skipping worker: %v\n", e)
	}
	if len(defs) == 0 {
		fmt.Println("No workers defined")
		return nil
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("NAME", "ROLE", "MODEL", "REPORTS TO")
	for _, d := range defs {
		t.Row(d.Name, d.Role, d.Model, d.ReportsTo)
	}
	fmt.Println(t.Render())
	return nil
}

func runAddWorker(cmd *cobra.Command, args []string) error {
	workers, err := projectWorkers(args)
	if err != nil {
		return err
	}

	def := domain.AgentDefinition{
		Name:      args[1],
		Role:      workerRole,
		Kind:      domain.KindWorker,
		Model:     workerModel,
		ReportsTo: workerReportsTo,
	}
	if workerRulesFile != "" {
		rules, err := os.ReadFile(workerRulesFile)
		if err != nil {
			return err
		}
		def.Rules = string(rules)
	}
	if err := workers.Save(def); err != nil {
		return err
	}
	fmt.Printf("Saved worker %s\n", def.Name)
	return nil
}

func runRemoveWorker(cmd *cobra.Command, args []string) error {
	workers, err := projectWorkers(args)
	if err != nil {
		return err
	}
	if err := workers.Remove(args[1]); err != nil {
		return err
	}
	fmt.Printf("Removed worker %s\n", args[1])
	return nil
}
