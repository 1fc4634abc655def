package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/config"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/journal"
)

var (
	histSession  string
	histLimit    int
	histFailures bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent queries from the run journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return runHistory(ctx, c, os.Stdout, histSession, histLimit, histFailures)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&histSession, "session", "", "only list runs of this session id")
	historyCmd.Flags().IntVarP(&histLimit, "limit", "n", 20, "maximum number of runs to list")
	historyCmd.Flags().BoolVar(&histFailures, "failures", false, "include per-attempt failures")
}

func runHistory(ctx context.Context, c *cfgpkg.Config, w io.Writer, session string, limit int, failures bool) error {
	j, err := openJournal(ctx, c)
	if err != nil {
		return err
	}
	if j == nil {
		return errors.New("run journal is disabled; set journal.path in the config")
	}
	defer j.Close()

	runs, err := j.Recent(ctx, session, limit)
	if err != nil {
		return err
	}
	printRuns(w, runs, failures)
	return nil
}

func printRuns(w io.Writer, runs []journal.Run, failures bool) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, r := range runs {
		mark := "✗"
		if r.State == "success" {
			mark = "✓"
		}
		fmt.Fprintf(w, "%s %s  %-9s %d attempt(s) %6s  %s\n",
			mark, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.State, r.Attempts, r.Duration, oneLine(r.Query))
		if r.Message != "" && r.State != "success" {
			fmt.Fprintf(w, "    %s\n", oneLine(r.Message))
		}
		if !failures {
			continue
		}
		for _, f := range r.Failures {
			fmt.Fprintf(w, "    #%d %s: %s\n", f.Attempt, f.Kind, oneLine(f.Message))
		}
	}
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 100 {
		return string(r[:97]) + "..."
	}
	return s
}
