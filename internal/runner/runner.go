// Package runner drives one project through repeated agent cycles: it picks the phase
// manager, runs its delegated workers, moves the phase state machine and sleeps for as
// long as the budget scheduler asks.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/prompts"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/roster"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/tracker"
)

// Loop tuning
const (
	ControlPoll       = 3 * time.Second
	FailureThreshold  = 10
	AutoPauseCooldown = 2 * time.Hour
)

// ErrRunning is returned when a runner loop is started twice
var ErrRunning = errors.New("runner already running")

// Event types
const (
	EventCycle      = "cycle"
	EventTransition = "transition"
	EventPause      = "pause"
	EventResume     = "resume"
	EventBootstrap  = "bootstrap"
	EventState      = "state"
)

// Event is emitted after every persisted state change
type Event struct {
	Project string       `json:"project"`
	Type    string       `json:"type"`
	Phase   domain.Phase `json:"phase"`
	Cycle   int          `json:"cycle"`
	Paused  bool         `json:"paused"`
}

// Options configures a runner
type Options struct {
	ID           string
	RepoPath     string
	Dir          string // project directory holding state, config, ledger and tracker
	AgentBinary  string
	DefaultModel string

	Managers *roster.Managers // loaded from Prompts when nil
	Prompts  *prompts.Loader  // prompts.DefaultLoader(Dir) when nil
	Notifier notify.Notifier
	Logger   *slog.Logger
	OnEvent  func(Event)

	// Zero values select the package defaults
	ControlPoll time.Duration
	MinSleep    time.Duration
	MaxSleep    time.Duration
	InvokerPoll time.Duration
	Grace       time.Duration
}

// Runner is the control loop of one project
type Runner struct {
	opts     Options
	layout   Layout
	managers *roster.Managers
	workers  *roster.Workers
	prompts  *prompts.Loader
	ledger   *ledger.Ledger
	tracker  *tracker.Store
	invoker  *executor.Invoker
	notifier notify.Notifier
	logs     *LogRing
	log      *slog.Logger

	// cycleMu is held for the duration of a cycle; bootstrap takes it to wait one out
	cycleMu sync.Mutex

	mu       sync.Mutex
	state    *domain.RunnerState
	decision *scheduler.Decision
	running  bool
	stopReq  bool
	done     chan struct{}
	wakeCh   chan struct{}
	reloadCh chan struct{}
}

// New opens the project directory and restores its state
func New(opts Options) (*Runner, error) {
	if opts.ID == "" || opts.Dir == "" {
		return nil, errors.New("runner needs a project id and directory")
	}
	layout := Layout{Dir: opts.Dir}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	logs := NewLogRing(LogRingSize)
	log := teeLogger(base, logs).With("component", "runner", "project", opts.ID)

	loader := opts.Prompts
	if loader == nil {
		loader = prompts.DefaultLoader(opts.Dir)
	}
	managers := opts.Managers
	if managers == nil {
		m, err := roster.LoadManagers(loader)
		if err != nil {
			return nil, fmt.Errorf("load managers: %w", err)
		}
		managers = m
	}

	store, err := tracker.Open(layout.TrackerDB())
	if err != nil {
		return nil, fmt.Errorf("open tracker: %w", err)
	}

	state, err := LoadState(layout.State())
	if err != nil {
		if !errors.Is(err, ErrCorruptState) {
			store.Close()
			return nil, fmt.Errorf("load state: %w", err)
		}
		log.Warn("state file was corrupt, starting fresh", "error", err)
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}

	l := ledger.Open(layout.Ledger())
	r := &Runner{
		opts:     opts,
		layout:   layout,
		managers: managers,
		workers:  roster.NewWorkers(layout.Workers()),
		prompts:  loader,
		ledger:   l,
		tracker:  store,
		notifier: notifier,
		logs:     logs,
		log:      log,
		state:    state,
		wakeCh:   make(chan struct{}, 1),
		reloadCh: make(chan struct{}, 1),
	}
	r.invoker = &executor.Invoker{
		Binary:       opts.AgentBinary,
		RepoPath:     opts.RepoPath,
		Workspace:    layout.Workspace(),
		TrackerDB:    layout.TrackerDB(),
		LogDir:       layout.Logs(),
		Ledger:       l,
		Reports:      store,
		Logger:       log.With("component", "invoker"),
		PollInterval: opts.InvokerPoll,
		GraceWindow:  opts.Grace,
	}
	return r, nil
}

// ID returns the project id
func (r *Runner) ID() string { return r.opts.ID }

// RepoPath returns the repository the agents work in
func (r *Runner) RepoPath() string { return r.opts.RepoPath }

// Layout returns the project directory layout
func (r *Runner) Layout() Layout { return r.layout }

// Logs returns the in-memory log ring
func (r *Runner) Logs() *LogRing { return r.logs }

// Tracker returns the project's issue-tracker store
func (r *Runner) Tracker() *tracker.Store { return r.tracker }

// Close releases the tracker. The loop must have stopped.
func (r *Runner) Close() error {
	return r.tracker.Close()
}

// Config reads the project configuration fresh from disk
func (r *Runner) Config() config.ProjectConfig {
	return config.LoadProject(r.layout.Config(), r.log)
}

// quietConfig is read at every timeout poll, so problems are not logged again
func (r *Runner) quietConfig() config.ProjectConfig {
	return config.LoadProject(r.layout.Config(), slog.New(slog.DiscardHandler))
}

// SaveConfig writes the project configuration and wakes the loop so it applies at once
func (r *Runner) SaveConfig(cfg config.ProjectConfig) error {
	if err := config.SaveProject(r.layout.Config(), cfg); err != nil {
		return err
	}
	r.Reload()
	return nil
}

// State returns a copy of the current state
func (r *Runner) State() *domain.RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Running reports whether the loop is active
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start runs the loop in its own goroutine until Stop is called or ctx is cancelled
func (r *Runner) Start(ctx context.Context) error {
	if err := r.begin(); err != nil {
		return err
	}
	go r.loop(ctx)
	return nil
}

func (r *Runner) begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunning
	}
	r.running = true
	r.stopReq = false
	r.done = make(chan struct{})
	return nil
}

// Wait blocks until the loop has exited
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stop terminates the in-flight agent and halts the loop after the current iteration
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopReq = true
	r.mu.Unlock()
	r.invoker.Skip()
	r.signal(r.wakeCh)
	r.log.Info("stop requested")
}

// Pause takes effect at the next poll of the pause flag. A running agent may finish.
func (r *Runner) Pause(reason string) {
	if reason == "" {
		reason = "paused by operator"
	}
	r.update(EventPause, func(s *domain.RunnerState) {
		s.IsPaused = true
		s.PauseReason = reason
		s.AutoPausedAt = nil
	})
	r.log.Info("paused", "reason", reason)
}

// Resume clears a pause and the consecutive-failure counter
func (r *Runner) Resume() {
	r.update(EventResume, func(s *domain.RunnerState) {
		s.IsPaused = false
		s.PauseReason = ""
		s.AutoPausedAt = nil
		s.ConsecutiveFailures = 0
	})
	r.signal(r.wakeCh)
	r.log.Info("resumed")
}

// Skip terminates the in-flight agent or, when none runs, ends the current wait
func (r *Runner) Skip() {
	if r.invoker.Skip() {
		r.log.Info("skip: terminating running agent")
		return
	}
	r.signal(r.wakeCh)
	r.log.Info("skip: ending current wait")
}

// Reload makes the loop recompute its inter-cycle sleep, e.g. after a config change
func (r *Runner) Reload() {
	r.signal(r.reloadCh)
}

// Bootstrap pauses the project, waits out the current cycle, wipes the workspace and
// resets the state. The cost ledger is kept so the budget still sees past spend.
func (r *Runner) Bootstrap() error {
	r.Pause("bootstrap in progress")
	r.invoker.Skip()
	r.signal(r.wakeCh)

	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	fresh, err := ResetProject(r.layout, "bootstrapped: awaiting manual resume")
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.state = fresh
	r.decision = nil
	ev := r.eventLocked(EventBootstrap)
	r.mu.Unlock()
	r.emit(ev)
	r.log.Info("bootstrapped")
	return nil
}

func (r *Runner) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Runner) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReq
}

// interrupted reports whether delegation and waits should end early
func (r *Runner) interrupted(ctx context.Context) bool {
	if r.stopRequested(ctx) {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.IsPaused
}

// update applies fn to the state, persists it and emits an event
func (r *Runner) update(eventType string, fn func(s *domain.RunnerState)) {
	r.mu.Lock()
	fn(r.state)
	if err := SaveState(r.layout.State(), r.state); err != nil {
		r.log.Error("saving state", "error", err)
	}
	ev := r.eventLocked(eventType)
	r.mu.Unlock()
	r.emit(ev)
}

func (r *Runner) eventLocked(eventType string) Event {
	return Event{
		Project: r.opts.ID,
		Type:    eventType,
		Phase:   r.state.Phase,
		Cycle:   r.state.CycleCount,
		Paused:  r.state.IsPaused,
	}
}

func (r *Runner) emit(ev Event) {
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(ev)
	}
}

func (r *Runner) notify(n notify.Notification) {
	n.Project = r.opts.ID
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.notifier.Send(ctx, n); err != nil {
		r.log.Warn("notification failed", "kind", n.Kind, "error", err)
	}
}

func (r *Runner) controlPoll() time.Duration {
	if r.opts.ControlPoll > 0 {
		return r.opts.ControlPoll
	}
	return ControlPoll
}
