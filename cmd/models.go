package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ai"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect or update the model catalog used for context checks",
	Example: `  analyticshub models show
  analyticshub models sync --file ./models.json --merge
  analyticshub models sync --url https://example.com/models.json`,
}

var modelsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current model catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat := ai.Catalog()
		keys := make([]string, 0, len(cat))
		for k := range cat {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		m := make(map[string]ai.ModelInfo, len(keys))
		for _, k := range keys {
			m[k] = cat[k]
		}
		return enc.Encode(m)
	},
}

var (
	syncPath  string
	syncURL   string
	syncMerge bool
)

var modelsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load model catalog from a JSON file or URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case syncPath != "" && syncURL != "":
			return fmt.Errorf("use either --file or --url, not both")
		case syncURL != "":
			if err := fetchAndApplyCatalog(syncURL, syncMerge); err != nil {
				return err
			}
		case syncPath != "":
			m, err := ai.LoadCatalogFromJSON(syncPath)
			if err != nil {
				return fmt.Errorf("load catalog: %w", err)
			}
			if syncMerge {
				ai.MergeCatalog(m)
			} else {
				ai.OverrideCatalog(m)
			}
		default:
			return fmt.Errorf("--file or --url is required")
		}
		verb := "Replaced"
		if syncMerge {
			verb = "Merged"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s model catalog (%d models)\n", verb, len(ai.Catalog()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsShowCmd)
	modelsCmd.AddCommand(modelsSyncCmd)

	modelsSyncCmd.Flags().StringVar(&syncPath, "file", "", "path to JSON catalog file")
	modelsSyncCmd.Flags().StringVar(&syncURL, "url", "", "URL of a JSON catalog")
	modelsSyncCmd.Flags().BoolVar(&syncMerge, "merge", false, "merge into existing catalog instead of replacing")
}
