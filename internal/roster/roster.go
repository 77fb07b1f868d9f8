// Package roster holds the agents a project can invoke: the fixed manager roster shared by
// every project and the per-project worker roster kept as markdown files.
package roster

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/prompts"
)

// WorkersDir is the directory below a project directory holding worker definitions
const WorkersDir = "workers"

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ErrUnknownAgent is returned when a name matches no agent on the roster
var ErrUnknownAgent = errors.New("unknown agent")

// Managers is the read-only manager roster
type Managers struct {
	defs []domain.AgentDefinition
}

// NewManagers validates a manager set: names are unique and every phase has a manager
func NewManagers(defs []domain.AgentDefinition) (*Managers, error) {
	seen := make(map[string]bool)
	phases := make(map[domain.Phase]bool)
	for _, d := range defs {
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate manager %q", d.Name)
		}
		seen[d.Name] = true
		phases[d.Phase] = true
	}
	for _, p := range domain.Phases {
		if !phases[p] {
			return nil, fmt.Errorf("no manager for phase %s", p)
		}
	}
	out := make([]domain.AgentDefinition, len(defs))
	copy(out, defs)
	return &Managers{defs: out}, nil
}

// LoadManagers reads the manager roster through a prompt loader
func LoadManagers(l *prompts.Loader) (*Managers, error) {
	defs, err := l.Managers()
	if err != nil {
		return nil, err
	}
	return NewManagers(defs)
}

// ForPhase returns the manager responsible for a phase
func (m *Managers) ForPhase(p domain.Phase) (domain.AgentDefinition, bool) {
	for _, d := range m.defs {
		if d.Phase == p {
			return d, true
		}
	}
	return domain.AgentDefinition{}, false
}

// Get returns a manager by name
func (m *Managers) Get(name string) (domain.AgentDefinition, bool) {
	for _, d := range m.defs {
		if d.Name == name {
			return d, true
		}
	}
	return domain.AgentDefinition{}, false
}

// All returns a copy of the roster
func (m *Managers) All() []domain.AgentDefinition {
	out := make([]domain.AgentDefinition, len(m.defs))
	copy(out, m.defs)
	return out
}

// Workers is the per-project worker roster. It is read from disk on every call so edits
// made while the project runs take effect on the next cycle.
type Workers struct {
	dir string
}

// NewWorkers returns the worker roster stored in dir
func NewWorkers(dir string) *Workers {
	return &Workers{dir: dir}
}

// Dir returns the directory holding the worker definitions
func (w *Workers) Dir() string {
	return w.dir
}

// List returns all valid worker definitions sorted by name. Files that fail to parse are
// returned as errors next to the valid definitions.
func (w *Workers) List() ([]domain.AgentDefinition, []error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	var defs []domain.AgentDefinition
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		def, err := w.read(filepath.Join(w.dir, e.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, errs
}

// Get returns a single worker definition
func (w *Workers) Get(name string) (domain.AgentDefinition, error) {
	if !validName.MatchString(name) {
		return domain.AgentDefinition{}, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	def, err := w.read(filepath.Join(w.dir, name+".md"))
	if os.IsNotExist(err) {
		return def, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return def, err
}

func (w *Workers) read(path string) (domain.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.AgentDefinition{}, err
	}
	def, err := prompts.ParseDefinition(data)
	if err != nil {
		return def, err
	}
	if want := strings.TrimSuffix(filepath.Base(path), ".md"); def.Name != want {
		return def, fmt.Errorf("name %q does not match file name", def.Name)
	}
	def.Kind = domain.KindWorker
	def.Phase = ""
	return def, nil
}

// Save writes a worker definition, replacing an existing one of the same name
func (w *Workers) Save(def domain.AgentDefinition) error {
	if !validName.MatchString(def.Name) {
		return fmt.Errorf("invalid worker name %q", def.Name)
	}
	def.Kind = domain.KindWorker
	def.Phase = ""
	data, err := prompts.FormatDefinition(def)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("creating workers dir: %w", err)
	}
	return os.WriteFile(filepath.Join(w.dir, def.Name+".md"), data, 0644)
}

// Remove deletes a worker definition
func (w *Workers) Remove(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	err := os.Remove(filepath.Join(w.dir, name+".md"))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return err
}
