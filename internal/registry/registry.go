// Package registry owns the live set of project runners
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/roster"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/runner"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already registered")
)

// Options configures how the registry builds runners
type Options struct {
	Config   *config.Config
	Managers *roster.Managers
	Notifier notify.Notifier
	Logger   *slog.Logger
	OnEvent  func(runner.Event)

	// Tune adjusts runner options before a runner is built, e.g. poll intervals in tests
	Tune func(o *runner.Options)
}

// Registry maps project ids to runners. Add and Remove are mutually exclusive with
// iteration; List and Status work on a point-in-time copy.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	runners map[string]*runner.Runner

	loopMu sync.Mutex
	ctx    context.Context // set by Start; nil while loops are not running
	loops  errgroup.Group
}

// New returns an empty registry
func New(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		opts:    opts,
		log:     log.With("component", "registry"),
		runners: make(map[string]*runner.Runner),
	}
}

// Add builds a runner for ref. When the registry is started the runner's loop starts too.
func (r *Registry) Add(ref config.ProjectRef) (*runner.Runner, error) {
	if err := config.ValidateProjectID(ref.ID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.runners[ref.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, ref.ID)
	}

	ro := runner.Options{
		ID:       ref.ID,
		RepoPath: config.ExpandPath(ref.RepoPath),
		Dir:      r.opts.Config.ProjectDir(ref.ID),
		Managers: r.opts.Managers,
		Notifier: r.opts.Notifier,
		Logger:   r.opts.Logger,
		OnEvent:  r.opts.OnEvent,
	}
	ro.AgentBinary = r.opts.Config.General.AgentBinary
	ro.DefaultModel = r.opts.Config.General.DefaultModel
	if r.opts.Tune != nil {
		r.opts.Tune(&ro)
	}

	rn, err := runner.New(ro)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("project %s: %w", ref.ID, err)
	}
	r.runners[ref.ID] = rn
	r.mu.Unlock()

	r.log.Info("project added", "project", ref.ID, "repo", ro.RepoPath)

	r.loopMu.Lock()
	started := r.ctx != nil
	r.loopMu.Unlock()
	if started {
		if err := r.StartProject(ref.ID); err != nil {
			return rn, err
		}
	}
	return rn, nil
}

// Remove stops a runner, waits for its loop and forgets it
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	rn, ok := r.runners[id]
	if ok {
		delete(r.runners, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}

	rn.Stop()
	rn.Wait()
	r.log.Info("project removed", "project", id)
	return rn.Close()
}

// Get returns the runner of a project
func (r *Registry) Get(id string) (*runner.Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return rn, nil
}

// List returns the runners sorted by project id
func (r *Registry) List() []*runner.Runner {
	r.mu.RLock()
	out := make([]*runner.Runner, 0, len(r.runners))
	for _, rn := range r.runners {
		out = append(out, rn)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Start launches the loop of every registered runner
func (r *Registry) Start(ctx context.Context) {
	r.loopMu.Lock()
	r.ctx = ctx
	r.loopMu.Unlock()

	for _, rn := range r.List() {
		if err := r.StartProject(rn.ID()); err != nil {
			r.log.Warn("starting project", "project", rn.ID(), "error", err)
		}
	}
}

// StartProject launches one runner's loop
func (r *Registry) StartProject(id string) error {
	rn, err := r.Get(id)
	if err != nil {
		return err
	}

	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
		r.ctx = ctx
	}
	if err := rn.Start(ctx); err != nil {
		return err
	}
	r.loops.Go(func() error {
		rn.Wait()
		return nil
	})
	return nil
}

// StopProject halts a runner's loop after its current iteration
func (r *Registry) StopProject(id string) error {
	rn, err := r.Get(id)
	if err != nil {
		return err
	}
	rn.Stop()
	return nil
}

// Shutdown stops every loop, waits for them and closes the runners
func (r *Registry) Shutdown() error {
	runners := r.List()
	for _, rn := range runners {
		rn.Stop()
	}
	r.loops.Wait()

	var closers errgroup.Group
	for _, rn := range runners {
		closers.Go(rn.Close)
	}
	err := closers.Wait()
	r.log.Info("registry shut down", "projects", len(runners))
	return err
}

// Summary is the global aggregate across all projects
type Summary struct {
	Projects     []runner.Status      `json:"projects"`
	Total        int                  `json:"total"`
	Running      int                  `json:"running"`
	Paused       int                  `json:"paused"`
	AgentsActive int                  `json:"agentsActive"`
	Spent24h     float64              `json:"spent24h"`
	PhaseCounts  map[domain.Phase]int `json:"phaseCounts"`
}

// Status collects every project's snapshot concurrently
func (r *Registry) Status(ctx context.Context) Summary {
	runners := r.List()
	statuses := make([]runner.Status, len(runners))

	var g errgroup.Group
	for i, rn := range runners {
		g.Go(func() error {
			statuses[i] = rn.Status(ctx)
			return nil
		})
	}
	g.Wait()

	s := Summary{Projects: statuses, Total: len(statuses), PhaseCounts: make(map[domain.Phase]int)}
	for _, st := range statuses {
		if st.Running {
			s.Running++
		}
		if st.State.IsPaused {
			s.Paused++
		}
		if st.AgentRunning {
			s.AgentsActive++
		}
		s.Spent24h += st.Cost.Spent24h
		s.PhaseCounts[st.State.Phase]++
	}
	return s
}
