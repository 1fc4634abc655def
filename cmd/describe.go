package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ingest"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/utils"
)

var (
	descOutputPath string
	descDelimiter  string
	descSampleRows int
	descMaxRows    int
	descCorr       bool
	descOutliers   bool
	descOutlierThr float64
	descAttributes bool
	descTokens     bool
)

var describeCmd = &cobra.Command{
	Use:   "describe <file.csv>...",
	Short: "Summarize CSV files the way the model sees them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opt := ingest.DefaultOptions()
		if descSampleRows > 0 {
			opt.SampleRows = descSampleRows
		}
		if cmd.Flags().Changed("max-rows") {
			opt.MaxRows = descMaxRows
		}
		if descDelimiter != "" {
			switch descDelimiter {
			case ",":
				opt.Delimiter = ','
			case "\t", "tab":
				opt.Delimiter = '\t'
			case ";":
				opt.Delimiter = ';'
			default:
				return fmt.Errorf("unsupported --delimiter: %s", descDelimiter)
			}
		}
		opt.Correlations = descCorr
		opt.Outliers = descOutliers
		if descOutlierThr > 0 {
			opt.OutlierThreshold = descOutlierThr
		}

		files, err := readUploadFiles(args)
		if err != nil {
			return err
		}
		ds, err := ingest.Prepare(files, opt)
		if err != nil {
			return err
		}

		var b strings.Builder
		if descAttributes {
			b.WriteString(ds.AttributeInfo())
		} else {
			for i, rep := range ds.Reports {
				if i > 0 {
					b.WriteString("\n")
				}
				b.WriteString(rep.Markdown())
			}
		}
		if descTokens {
			b.WriteString("\n")
			b.WriteString(tokenEstimates(ds))
		}
		md := b.String()

		if descOutputPath != "" {
			if err := os.MkdirAll(filepath.Dir(descOutputPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(descOutputPath, []byte(md), 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			fmt.Printf("✓ Wrote summary to %s\n", descOutputPath)
			return nil
		}
		fmt.Println(md)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().StringVarP(&descOutputPath, "output", "o", "", "optional path to write the summary")
	describeCmd.Flags().StringVar(&descDelimiter, "delimiter", "", "CSV delimiter: ',' | ';' | 'tab' (sniffed if omitted)")
	describeCmd.Flags().IntVar(&descSampleRows, "sample-rows", 5, "number of sample rows to include")
	describeCmd.Flags().IntVar(&descMaxRows, "max-rows", 100000, "maximum rows used for statistics (0 = unlimited)")
	describeCmd.Flags().BoolVar(&descCorr, "correlations", false, "compute Pearson correlations among numeric columns")
	describeCmd.Flags().BoolVar(&descOutliers, "outliers", true, "compute robust outlier counts (MAD)")
	describeCmd.Flags().Float64Var(&descOutlierThr, "outlier-threshold", 3.5, "robust |z| threshold for outliers (MAD-based)")
	describeCmd.Flags().BoolVar(&descAttributes, "attributes", false, "print the compact attribute block sent to the model instead")
	describeCmd.Flags().BoolVar(&descTokens, "tokens", false, "append estimated token counts per prompt section")
}

// tokenEstimates lists the approximate prompt cost of the attribute block
// and of each table summary.
func tokenEstimates(ds *ingest.Dataset) string {
	sections := map[string]string{"attributes": ds.AttributeInfo()}
	for _, rep := range ds.Reports {
		sections["summary "+rep.Name] = rep.Markdown()
	}
	counts := utils.TokenBreakdown(sections)
	keys := make([]string, 0, len(counts))
	total := 0
	for k, n := range counts {
		keys = append(keys, k)
		total += n
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("## Token estimates\n\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: ~%d\n", k, counts[k])
	}
	fmt.Fprintf(&b, "- total: ~%d\n", total)
	return b.String()
}
