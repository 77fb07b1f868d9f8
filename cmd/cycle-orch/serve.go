package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/digest"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/notify"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/observer"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/registry"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/runner"
	"github.com/hochfrequenz/claude-cycle-orchestrator/web/api"
)

var (
	servePort int
	serveHost string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every configured project and the control API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (config web.port when 0)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind (config web.host when empty)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	host := cfg.Web.Host
	if serveHost != "" {
		host = serveHost
	}

	var server *api.Server
	reg := registry.New(registry.Options{
		Config:   cfg,
		Notifier: notify.FromConfig(cfg.Notifications),
		Logger:   logger,
		OnEvent: func(ev runner.Event) {
			if server != nil {
				server.PublishRunnerEvent(ev)
			}
		},
	})
	server = api.NewServer(reg, fmt.Sprintf("%s:%d", host, port), logger)

	watcher, err := observer.NewWatcher(func(id string, files []string) {
		rn, err := reg.Get(id)
		if err != nil {
			return
		}
		rn.Reload()
	}, logger)
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	for _, ref := range cfg.Projects {
		rn, err := reg.Add(ref)
		if err != nil {
			reg.Shutdown()
			return err
		}
		if err := watcher.AddProject(ref.ID, rn.Layout().Dir); err != nil {
			logger.Warn("watching project directory", "project", ref.ID, "error", err)
		}
	}
	if len(cfg.Projects) == 0 {
		logger.Warn("no projects configured", "config", resolveConfigPath())
	}

	watcher.Start(ctx)
	defer watcher.Stop()
	reg.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if cfg.Digest.Cron != "" {
		d, err := digest.New(cfg.Digest.Cron, reg, notify.FromConfig(cfg.Notifications), logger)
		if err != nil {
			reg.Shutdown()
			return fmt.Errorf("digest: %w", err)
		}
		g.Go(func() error {
			d.Run(gctx)
			return nil
		})
	}

	serveErr := g.Wait()
	logger.Info("shutting down")
	if err := reg.Shutdown(); err != nil {
		logger.Warn("closing projects", "error", err)
	}
	return serveErr
}
