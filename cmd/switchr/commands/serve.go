package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/switchr/internal/api"
	"github.com/bryanchriswhite/switchr/internal/config"
	"github.com/bryanchriswhite/switchr/internal/host"
	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/orchestrator"
	"github.com/bryanchriswhite/switchr/internal/settings"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the switchr server",
	Long: `Start the switchr host: scan providers on an interval, keep the
last-known-good list and serve it over HTTP.

The server provides a REST API for listing and activating entries and a
websocket that pushes the list whenever it changes.`,
	Example: `  # Start server on default port (8080)
  switchr serve

  # Start server on custom port
  switchr serve --port 9090

  # Start with specific config file
  switchr serve --config /path/to/config.yaml

  # Start with debug logging
  switchr serve --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newView wires the catalog, the worker orchestrator and the host view
func newView(cfg *config.Config, store settings.Store) (*host.View, *orchestrator.Orchestrator, error) {
	orch, err := orchestrator.New(orchestrator.Options{
		Args:    workerArgs(cfg),
		Timeout: cfg.Worker.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize worker orchestrator: %w", err)
	}

	view := host.New(host.Options{
		Providers: catalogFor(cfg).New(),
		Store:     store,
		Worker:    orch,
		Disabled:  cfg.DisabledProviders,
		Excluded:  cfg.ExcludedProcesses,
		Interval:  cfg.RefreshInterval,
	})
	return view, orch, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	fmt.Println("🔀 switchr - window and document switcher")
	fmt.Println("==========================================")

	log := logger.WithComponent("serve")

	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().
		Str("path", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	store, release, err := openSettings(configMgr)
	if err != nil {
		return err
	}
	defer release()

	view, _, err := newView(cfg, store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("Initializing providers...")
	view.Init(ctx)
	defer func() {
		if err := view.Close(); err != nil {
			log.Warn().Err(err).Msg("Provider shutdown failed")
		}
	}()

	watchConfig(configMgr, view)
	if fs, ok := store.(*settings.FileStore); ok {
		fs.Watch(view.ReloadSettings)
	}

	server := api.NewServer(view, configMgr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return view.Run(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx, cfg.ServerPort)
	})

	fmt.Println()
	log.Info().Msg("✅ switchr is running!")
	log.Info().Msgf("   - API: http://localhost:%d/api", cfg.ServerPort)
	log.Info().Msgf("   - Stream: ws://localhost:%d/api/windows/stream", cfg.ServerPort)
	log.Info().Msg("   - Press Ctrl+C to stop")
	fmt.Println()

	err = g.Wait()
	log.Info().Msg("Shutting down gracefully...")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchConfig reapplies provider selection, exclusions and settings when the
// config file changes on disk
func watchConfig(configMgr *config.Manager, view *host.View) {
	log := logger.WithComponent("config")

	viper.SetConfigFile(configMgr.GetConfigPath())
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("Config watch unavailable")
		return
	}

	viper.OnConfigChange(func(e fsnotify.Event) {
		if err := configMgr.Reload(); err != nil {
			log.Warn().Err(err).Str("path", e.Name).Msg("Ignoring invalid config change")
			return
		}
		cfg := configMgr.Get()
		view.SetDisabled(cfg.DisabledProviders)
		view.SetExclusions(cfg.ExcludedProcesses)
		view.ReloadSettings()
		log.Info().
			Str("path", e.Name).
			Int("excluded_processes", len(cfg.ExcludedProcesses)).
			Int("disabled_providers", len(cfg.DisabledProviders)).
			Msg("Config reloaded")
	})
	viper.WatchConfig()
}
