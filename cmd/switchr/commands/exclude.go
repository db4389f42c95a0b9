package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Manage excluded processes",
	Long:  `Add or remove process names whose windows never appear in the list.`,
}

var excludeAddCmd = &cobra.Command{
	Use:   "add PROCESS",
	Short: "Exclude a process",
	Long:  `Hide every window and document owned by the named process. Names are case-insensitive.`,
	Example: `  # Hide the password manager
  switchr exclude add keepassxc

  # Hide the panel
  switchr exclude add xfce4-panel`,
	Args: cobra.ExactArgs(1),
	RunE: runExcludeAdd,
}

var excludeRemoveCmd = &cobra.Command{
	Use:     "remove PROCESS",
	Aliases: []string{"rm"},
	Short:   "Stop excluding a process",
	Example: `  # Show the password manager again
  switchr exclude remove keepassxc`,
	Args: cobra.ExactArgs(1),
	RunE: runExcludeRemove,
}

var excludeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List excluded processes",
	RunE:  runExcludeList,
}

func init() {
	rootCmd.AddCommand(excludeCmd)
	excludeCmd.AddCommand(excludeAddCmd)
	excludeCmd.AddCommand(excludeRemoveCmd)
	excludeCmd.AddCommand(excludeListCmd)
}

func runExcludeAdd(cmd *cobra.Command, args []string) error {
	configMgr, _, err := loadConfig()
	if err != nil {
		return err
	}

	added, err := configMgr.AddExcludedProcess(args[0])
	if err != nil {
		return fmt.Errorf("failed to exclude process: %w", err)
	}

	if !added {
		fmt.Printf("'%s' is already excluded\n", args[0])
		return nil
	}
	fmt.Printf("✅ Excluded '%s'\n", args[0])
	return nil
}

func runExcludeRemove(cmd *cobra.Command, args []string) error {
	configMgr, _, err := loadConfig()
	if err != nil {
		return err
	}

	removed, err := configMgr.RemoveExcludedProcess(args[0])
	if err != nil {
		return fmt.Errorf("failed to remove exclusion: %w", err)
	}

	if !removed {
		return fmt.Errorf("'%s' is not excluded", args[0])
	}
	fmt.Printf("✅ '%s' is no longer excluded\n", args[0])
	return nil
}

func runExcludeList(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("Excluded Processes:")
	if len(cfg.ExcludedProcesses) == 0 {
		fmt.Println("  (none)")
		return nil
	}
	for _, name := range cfg.ExcludedProcesses {
		fmt.Printf("  • %s\n", name)
	}
	return nil
}
