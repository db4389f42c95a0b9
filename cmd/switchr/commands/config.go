package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/switchr/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// providerKeyPrefix routes config keys to the provider settings store
const providerKeyPrefix = "providers."

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage switchr configuration",
	Long: `View and manage switchr configuration settings.

Keys starting with "providers.<name>." are provider settings and live in
the settings store rather than the config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current switchr configuration and provider settings.`,
	Example: `  # Show configuration as YAML (default)
  switchr config show

  # Show configuration as JSON
  switchr config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long:  `Set a specific configuration value.`,
	Example: `  # Set server port
  switchr config set server_port 9090

  # Give slow applications more time to expose accessibility data
  switchr config set resolver.max_attempts 3

  # Only inspect browsers for documents
  switchr config set providers.documents.processes firefox,chromium`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  # Get server port
  switchr config get server_port

  # Get a provider setting
  switchr config get providers.windows.skip_untitled`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the paths of the configuration file and the settings store.`,
	RunE:  runConfigPath,
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, key := range config.Keys() {
			fmt.Println(key)
		}
		fmt.Println(providerKeyPrefix + "<name>.<setting>")
		return nil
	},
}

var formatFlag string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configKeysCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, release, err := openSettings(configMgr)
	if err != nil {
		return err
	}
	defer release()

	out := struct {
		config.Config    `yaml:",inline"`
		ProviderSettings map[string]string `json:"provider_settings" yaml:"provider_settings"`
	}{
		Config:           *configMgr.Get(),
		ProviderSettings: store.List(providerKeyPrefix),
	}

	switch formatFlag {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(out)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", formatFlag)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if strings.HasPrefix(key, providerKeyPrefix) {
		if strings.Count(key, ".") < 2 {
			return fmt.Errorf("provider settings take the form %s<name>.<setting>", providerKeyPrefix)
		}
		store, release, err := openSettings(configMgr)
		if err != nil {
			return err
		}
		defer release()
		if err := store.Set(key, value); err != nil {
			return fmt.Errorf("failed to save setting: %w", err)
		}
	} else if err := configMgr.Set(key, value); err != nil {
		return err
	}

	fmt.Printf("✅ Configuration updated: %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if strings.HasPrefix(key, providerKeyPrefix) {
		store, release, err := openSettings(configMgr)
		if err != nil {
			return err
		}
		defer release()
		value, ok := store.Get(key)
		if !ok {
			return fmt.Errorf("configuration key not found: %s", key)
		}
		fmt.Println(value)
		return nil
	}

	value, err := configMgr.Lookup(key)
	if err != nil {
		return err
	}
	if list, ok := value.([]string); ok {
		value = strings.Join(list, ",")
	}
	fmt.Println(value)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(configMgr.GetConfigPath())
	fmt.Println(configMgr.SettingsPath())
	return nil
}
