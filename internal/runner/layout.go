package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/ledger"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/roster"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/tracker"
)

// StateFileName is the persisted RunnerState inside a project directory
const StateFileName = "state.json"

// Layout names the files of one project directory
type Layout struct {
	Dir string
}

func (l Layout) State() string     { return filepath.Join(l.Dir, StateFileName) }
func (l Layout) Config() string    { return filepath.Join(l.Dir, config.ProjectConfigName) }
func (l Layout) Ledger() string    { return filepath.Join(l.Dir, ledger.FileName) }
func (l Layout) TrackerDB() string { return filepath.Join(l.Dir, tracker.FileName) }
func (l Layout) Workspace() string { return filepath.Join(l.Dir, "workspace") }
func (l Layout) Logs() string      { return filepath.Join(l.Dir, "logs") }
func (l Layout) Workers() string   { return filepath.Join(l.Dir, roster.WorkersDir) }

// Ensure creates the project directory and its subdirectories
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Dir, l.Workspace(), l.Logs(), l.Workers()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
