package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/switchr/internal/window"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List switchable windows and documents",
	Long: `Run one scan cycle and print the aggregate list.

In-process providers are scanned directly; isolated providers run in a
worker process exactly as they do under serve.`,
	Example: `  # List entries in table format (default)
  switchr list

  # List entries in JSON format
  switchr list --format json

  # List only entries from one provider
  switchr list --source documents`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var (
	listFormat string
	listSource string
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listFormat, "format", "f", "table", "output format (table or json)")
	listCmd.Flags().StringVarP(&listSource, "source", "s", "", "show only entries from this provider")
}

func runList(cmd *cobra.Command, args []string) error {
	if listFormat != "table" && listFormat != "json" {
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", listFormat)
	}

	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, release, err := openSettings(configMgr)
	if err != nil {
		return err
	}
	defer release()

	view, _, err := newView(cfg, store)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	view.Init(ctx)
	defer view.Close()

	items, err := view.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}

	if listSource != "" {
		filtered := make([]window.Item, 0, len(items))
		for _, it := range items {
			if it.Source == listSource {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	switch listFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(items)
	default:
		return printItemsTable(items)
	}
}

func printItemsTable(items []window.Item) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tTITLE\tPROCESS\tSOURCE\tHANDLE")
	fmt.Fprintln(w, "---\t-----\t-------\t------\t------")

	for _, it := range items {
		key := "-"
		if it.ShortcutIndex > 0 {
			key = fmt.Sprintf("%d", it.ShortcutIndex)
		}
		source := it.Source
		if it.Fallback {
			source += " (window)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t0x%x\n", key, it.Title, it.ProcessName, source, int64(it.Handle))
	}

	return nil
}
