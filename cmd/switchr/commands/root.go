package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/bryanchriswhite/switchr/internal/config"
	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/bryanchriswhite/switchr/internal/providers"
	"github.com/bryanchriswhite/switchr/internal/settings"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "switchr",
		Short: "switchr - window and document switcher",
		Long: `switchr lists every switchable window on the desktop, and the documents
and tabs inside them, so any of them can be brought to the front.

Features:
  • Top-level windows via X11
  • Browser tabs and documents via the accessibility bus
  • Fragile providers scanned in a short-lived worker process
  • Last-known-good results when a scan fails
  • REST API and live websocket stream`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/switchr/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// setupLogging configures the global logger before any command runs. The
// worker logs JSON lines so the host can forward them verbatim.
func setupLogging(cmd *cobra.Command, args []string) error {
	level := viper.GetString("log_level")
	if level == "" {
		level = "info"
		if configMgr, err := config.NewManager(GetConfigFile()); err == nil {
			level = configMgr.Get().LogLevel
		}
	}
	logger.Init(level, cmd != workerCmd)
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config manager and applies flag overrides in memory
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := configMgr.Get()
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			cfg.ServerPort = port
		}
	}
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			cfg.LogLevel = level
		}
	}
	return configMgr, cfg, nil
}

// openSettings opens the provider settings store the config selects. The
// returned func releases it.
func openSettings(configMgr *config.Manager) (settings.Store, func(), error) {
	cfg := configMgr.Get()
	store, err := settings.Open(cfg.Settings.Backend, configMgr.SettingsPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open settings: %w", err)
	}
	release := func() {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return store, release, nil
}

// catalogFor builds the provider catalog for cfg
func catalogFor(cfg *config.Config) *providers.Catalog {
	return providers.Default(providers.Options{Resolver: cfg.ResolverOptions()})
}

// workerArgs are the arguments the host launches its worker with
func workerArgs(cfg *config.Config) []string {
	args := []string{workerCmd.Name(), "--log-level", cfg.LogLevel}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	return args
}
