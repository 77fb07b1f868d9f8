package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "cycle-orch",
		Short: "Cycle Orchestrator - budget-aware autonomous development loops",
		Long: `Cycle Orchestrator runs one control loop per project. Each cycle invokes the
manager agent of the current phase (plan, implement, verify), lets it delegate to
worker agents, records the spend and sleeps long enough to stay inside the
project's 24 hour budget.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// projectLayout resolves a configured project to its data directory
func projectLayout(cfg *config.Config, id string) (config.ProjectRef, string, error) {
	ref, ok := cfg.Project(id)
	if !ok {
		return ref, "", fmt.Errorf("unknown project %q", id)
	}
	return ref, cfg.ProjectDir(id), nil
}
