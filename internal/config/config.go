package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var projectIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Projects      []ProjectRef        `toml:"projects"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Digest        DigestConfig        `toml:"digest"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir      string `toml:"data_dir"`
	AgentBinary  string `toml:"agent_binary"`
	DefaultModel string `toml:"default_model"`
}

// ProjectRef names an orchestration target and its checked-out repository
type ProjectRef struct {
	ID       string `toml:"id"`
	RepoPath string `toml:"repo_path"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds control API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// DigestConfig holds the daily spend digest schedule. An empty cron disables it.
type DigestConfig struct {
	Cron string `toml:"cron"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DataDir:      filepath.Join(home, ".cycle-orchestrator"),
			AgentBinary:  "claude",
			DefaultModel: "sonnet",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Digest: DigestConfig{
			Cron: "0 9 * * *",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	for i := range cfg.Projects {
		cfg.Projects[i].RepoPath = ExpandPath(cfg.Projects[i].RepoPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks project references for duplicates and malformed IDs
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Projects))
	for i, p := range c.Projects {
		if err := ValidateProjectID(p.ID); err != nil {
			return fmt.Errorf("project %d: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("project %d: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.RepoPath == "" {
			return fmt.Errorf("project %q: repo_path is required", p.ID)
		}
	}
	return nil
}

// Save writes the configuration to path
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ProjectDir returns the directory holding a project's state, ledger, logs and store
func (c *Config) ProjectDir(id string) string {
	return filepath.Join(c.General.DataDir, "projects", id)
}

// Project returns the project reference with the given id
func (c *Config) Project(id string) (ProjectRef, bool) {
	for _, p := range c.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return ProjectRef{}, false
}

// ValidateProjectID checks that id is usable as a directory name and URL segment
func ValidateProjectID(id string) error {
	if !projectIDRegex.MatchString(id) {
		return fmt.Errorf("invalid project id: %q (expected lowercase letters, digits, - or _)", id)
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "cycle-orchestrator", "config.toml")
}
