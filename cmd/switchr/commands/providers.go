package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:     "providers",
	Aliases: []string{"provider"},
	Short:   "List and toggle providers",
	Long: `List the built-in providers, or enable and disable them.

Isolated providers run in the worker process; the others run inside the host.`,
	Example: `  # List providers
  switchr providers

  # Stop scanning documents
  switchr provider disable documents`,
	Args: cobra.NoArgs,
	RunE: runProvidersList,
}

var providerEnableCmd = &cobra.Command{
	Use:   "enable NAME",
	Short: "Enable a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProviderEnabled(args[0], true)
	},
}

var providerDisableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Disable a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setProviderEnabled(args[0], false)
	},
}

var providersFormat string

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providerEnableCmd)
	providersCmd.AddCommand(providerDisableCmd)

	providersCmd.Flags().StringVarP(&providersFormat, "format", "f", "table", "output format (table or json)")
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	infos := catalogFor(cfg).Describe(cfg.DisabledProviders)

	switch providersFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(infos)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		fmt.Fprintln(w, "NAME\tISOLATED\tENABLED")
		fmt.Fprintln(w, "----\t--------\t-------")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, yesNo(info.RequiresIsolation), yesNo(info.Enabled))
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", providersFormat)
	}
}

func setProviderEnabled(name string, enabled bool) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	known := false
	for _, n := range catalogFor(cfg).Names() {
		if n == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown provider: %s", name)
	}

	if err := configMgr.SetProviderEnabled(name, enabled); err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("✅ Provider '%s' %s\n", name, state)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
