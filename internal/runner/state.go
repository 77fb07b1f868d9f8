package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/domain"
)

// ErrCorruptState is returned alongside a fresh state when state.json could not be decoded
var ErrCorruptState = errors.New("corrupt runner state")

// LoadState reads a persisted RunnerState. A missing file yields a new paused state. An
// undecodable file is moved aside to <path>.corrupt and a new state is returned with
// ErrCorruptState so the caller can log it.
func LoadState(path string) (*domain.RunnerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NewRunnerState(), nil
		}
		return nil, err
	}

	var s domain.RunnerState
	if err := json.Unmarshal(data, &s); err != nil {
		backup := path + ".corrupt"
		if rerr := os.Rename(path, backup); rerr != nil {
			return domain.NewRunnerState(), fmt.Errorf("%w: %v (backup failed: %v)", ErrCorruptState, err, rerr)
		}
		return domain.NewRunnerState(), fmt.Errorf("%w: %v (moved to %s)", ErrCorruptState, err, backup)
	}

	if !s.Phase.Valid() {
		s.Phase = domain.PhaseAthena
	}
	if s.CompletedAgents == nil {
		s.CompletedAgents = []string{}
	}
	return &s, nil
}

// SaveState writes the state through a temporary file and a rename so a crash never
// leaves a half-written state.json
func SaveState(path string, s *domain.RunnerState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ResetProject wipes the workspace and writes a fresh paused state. The cost ledger, the
// tracker and the logs are kept.
func ResetProject(l Layout, reason string) (*domain.RunnerState, error) {
	if err := os.RemoveAll(l.Workspace()); err != nil {
		return nil, fmt.Errorf("wipe workspace: %w", err)
	}
	if err := l.Ensure(); err != nil {
		return nil, err
	}
	s := domain.NewRunnerState()
	if reason != "" {
		s.PauseReason = reason
	}
	if err := SaveState(l.State(), s); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	return s, nil
}
