package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ProjectConfigName is the file name of a project's configuration inside its directory
const ProjectConfigName = "config.toml"

const (
	DefaultCycleInterval = 30 * time.Minute
	DefaultAgentTimeout  = 30 * time.Minute
)

// ProjectConfig is the per-project key/value configuration.
// It is read fresh at the top of every cycle and at every timeout poll.
type ProjectConfig struct {
	CycleInterval time.Duration
	AgentTimeout  time.Duration
	BudgetPer24h  float64 // USD; 0 means unlimited
	TrackerRepo   string  // owner/repo for the source-hosting CLI
	Models        map[string]string
	Disabled      map[string]bool
}

// ProjectDocument is the on-disk and over-the-wire form of a ProjectConfig
type ProjectDocument struct {
	CycleIntervalMs int64             `toml:"cycle_interval_ms" json:"cycle_interval_ms"`
	AgentTimeoutMs  int64             `toml:"agent_timeout_ms" json:"agent_timeout_ms"`
	BudgetPer24h    float64           `toml:"budget_per_24h" json:"budget_per_24h"`
	TrackerRepo     string            `toml:"tracker_repo,omitempty" json:"tracker_repo,omitempty"`
	Models          map[string]string `toml:"models,omitempty" json:"models,omitempty"`
	Disabled        map[string]bool   `toml:"disabled,omitempty" json:"disabled,omitempty"`
}

// DefaultProject returns the configuration used when a project has none
func DefaultProject() ProjectConfig {
	return ProjectConfig{
		CycleInterval: DefaultCycleInterval,
		AgentTimeout:  DefaultAgentTimeout,
		Models:        map[string]string{},
		Disabled:      map[string]bool{},
	}
}

// ModelFor returns the model override for an agent, or fallback when none is set
func (p ProjectConfig) ModelFor(agent, fallback string) string {
	if m := strings.TrimSpace(p.Models[agent]); m != "" {
		return m
	}
	return fallback
}

// IsDisabled reports whether an agent has been switched off for this project
func (p ProjectConfig) IsDisabled(agent string) bool {
	return p.Disabled[agent]
}

// Document converts the configuration to its serializable form
func (p ProjectConfig) Document() ProjectDocument {
	return ProjectDocument{
		CycleIntervalMs: p.CycleInterval.Milliseconds(),
		AgentTimeoutMs:  p.AgentTimeout.Milliseconds(),
		BudgetPer24h:    p.BudgetPer24h,
		TrackerRepo:     p.TrackerRepo,
		Models:          p.Models,
		Disabled:        p.Disabled,
	}
}

// LoadProject reads a project's configuration. It never fails: a missing file yields
// defaults, and every invalid field is logged and replaced by its default.
func LoadProject(path string, logger *slog.Logger) ProjectConfig {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("reading project config failed, using defaults", "path", path, "error", err)
		}
		return DefaultProject()
	}

	cfg, errs := ParseProjectTOML(data)
	for _, e := range errs {
		logger.Warn("invalid project config", "path", path, "error", e)
	}
	return cfg
}

// ParseProjectTOML decodes a TOML project document, returning the configuration and the
// problems that were replaced by defaults.
func ParseProjectTOML(data []byte) (ProjectConfig, []error) {
	raw := make(map[string]interface{})
	if err := toml.Unmarshal(data, &raw); err != nil {
		return DefaultProject(), []error{fmt.Errorf("parse: %w", err)}
	}
	return coerce(raw)
}

// ParseProjectJSON decodes a JSON project document with the same rules as the TOML form
func ParseProjectJSON(data []byte) (ProjectConfig, []error) {
	raw := make(map[string]interface{})
	if err := json.Unmarshal(data, &raw); err != nil {
		return DefaultProject(), []error{fmt.Errorf("parse: %w", err)}
	}
	return coerce(raw)
}

// SaveProject atomically writes a project configuration to path
func SaveProject(path string, cfg ProjectConfig) error {
	data, err := toml.Marshal(cfg.Document())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func coerce(raw map[string]interface{}) (ProjectConfig, []error) {
	cfg := DefaultProject()
	var errs []error

	if v, ok := raw["cycle_interval_ms"]; ok {
		if ms, err := durationMs(v); err != nil {
			errs = append(errs, fmt.Errorf("cycle_interval_ms: %w", err))
		} else {
			cfg.CycleInterval = time.Duration(ms) * time.Millisecond
		}
	}

	if v, ok := raw["agent_timeout_ms"]; ok {
		ms, err := durationMs(v)
		if err == nil && ms == 0 {
			err = fmt.Errorf("must be positive")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("agent_timeout_ms: %w", err))
		} else {
			cfg.AgentTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v, ok := raw["budget_per_24h"]; ok {
		if b, err := nonNegative(v); err != nil {
			errs = append(errs, fmt.Errorf("budget_per_24h: %w", err))
		} else {
			cfg.BudgetPer24h = b
		}
	}

	if v, ok := raw["tracker_repo"]; ok {
		if s, isStr := v.(string); isStr {
			cfg.TrackerRepo = strings.TrimSpace(s)
		} else {
			errs = append(errs, fmt.Errorf("tracker_repo: expected string, got %T", v))
		}
	}

	if v, ok := raw["models"]; ok {
		table, isTable := v.(map[string]interface{})
		if !isTable {
			errs = append(errs, fmt.Errorf("models: expected table, got %T", v))
		}
		for name, model := range table {
			if s, isStr := model.(string); isStr {
				cfg.Models[name] = s
			} else {
				errs = append(errs, fmt.Errorf("models.%s: expected string, got %T", name, model))
			}
		}
	}

	if v, ok := raw["disabled"]; ok {
		table, isTable := v.(map[string]interface{})
		if !isTable {
			errs = append(errs, fmt.Errorf("disabled: expected table, got %T", v))
		}
		for name, flag := range table {
			if b, isBool := flag.(bool); isBool {
				cfg.Disabled[name] = b
			} else {
				errs = append(errs, fmt.Errorf("disabled.%s: expected bool, got %T", name, flag))
			}
		}
	}

	return cfg, errs
}

// maxDurationMs is the largest millisecond count a time.Duration can hold
const maxDurationMs = float64(math.MaxInt64 / int64(time.Millisecond))

// durationMs is nonNegative bounded to what a time.Duration can represent
func durationMs(v interface{}) (float64, error) {
	ms, err := nonNegative(v)
	if err != nil {
		return 0, err
	}
	if ms > maxDurationMs {
		return 0, fmt.Errorf("too large: %v", ms)
	}
	return ms, nil
}

// nonNegative converts a decoded TOML/JSON value to a finite, non-negative float
func nonNegative(v interface{}) (float64, error) {
	var f float64
	switch n := v.(type) {
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", f)
	}
	if f < 0 {
		return 0, fmt.Errorf("must not be negative: %v", f)
	}
	return f, nil
}
