package cmd

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ingest"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/pipeline"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/utils"
)

var (
	chatFiles    []string
	chatDomain   string
	chatMetadata string
	chatOutDir   string
	chatQuery    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Load CSV files and ask for charts interactively",
	Example: `  analyticshub chat --file sales.csv --domain "retail sales"
  analyticshub chat --file a.csv --file b.csv --metadata meta.json --out-dir ./charts
  analyticshub chat --file sales.csv --domain retail --query "plot amount over time"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(chatFiles) == 0 {
			return fmt.Errorf("at least one --file is required")
		}
		c, err := requireConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		files, err := readUploadFiles(chatFiles)
		if err != nil {
			return err
		}
		var metadata []byte
		if chatMetadata != "" {
			if metadata, err = os.ReadFile(chatMetadata); err != nil {
				return fmt.Errorf("read metadata: %w", err)
			}
		}

		j, err := openJournal(ctx, c)
		if err != nil {
			return err
		}
		if j != nil {
			defer j.Close()
		}
		deps, err := newPipelineDeps(c, j, logger, defaultSessionDeps)
		if err != nil {
			return err
		}
		sess, err := pipeline.NewSession(pipelineOptions(c), deps)
		if err != nil {
			return err
		}
		defer sess.Close()

		fmt.Printf("Loading %d file(s) with %s/%s...\n", len(files), c.LLM.Provider, c.LLM.Model)
		md, err := sess.LoadData(ctx, files, metadata, chatDomain)
		if err != nil {
			return fmt.Errorf("load data: %w", err)
		}
		fmt.Printf("✓ Tables: %s\n", strings.Join(sess.Snapshot().Tables, ", "))
		if b, err := utils.PrettyJSON(md); err == nil {
			fmt.Printf("Metadata:\n%s\n", b)
		}

		ch := &chatLoop{sess: sess, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), outDir: chatOutDir}
		if chatQuery != "" {
			ch.handle(ctx, chatQuery)
			return nil
		}

		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "analyticshub> ",
			HistoryFile:     historyPath(),
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return fmt.Errorf("failed to initialize prompt: %w", err)
		}
		defer func() { _ = rl.Close() }()

		fmt.Fprintln(ch.out, `Ask a question about your data. Type .help for commands, "exit" to quit.`)
		return ch.run(ctx, rl)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringArrayVarP(&chatFiles, "file", "f", nil, "CSV file to load (repeatable)")
	chatCmd.Flags().StringVarP(&chatDomain, "domain", "d", "", "free-text description of the dataset's domain")
	chatCmd.Flags().StringVarP(&chatMetadata, "metadata", "m", "", "optional JSON metadata file (skips metadata generation)")
	chatCmd.Flags().StringVarP(&chatOutDir, "out-dir", "o", "charts", "directory for generated chart HTML files")
	chatCmd.Flags().StringVarP(&chatQuery, "query", "q", "", "ask a single question and exit")
}

func readUploadFiles(paths []string) ([]ingest.UploadedFile, error) {
	out := make([]ingest.UploadedFile, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		out = append(out, ingest.UploadedFile{Filename: filepath.Base(p), Content: b})
	}
	return out, nil
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".analyticshub", "chat_history")
}

// chatSession is the part of *pipeline.Session the loop drives.
type chatSession interface {
	Ask(ctx context.Context, query string) (*pipeline.Outcome, error)
	UpdateMetadata(text string) (any, error)
	Snapshot() pipeline.Snapshot
}

type lineReader interface {
	Readline() (string, error)
}

type chatLoop struct {
	sess     chatSession
	out      io.Writer
	errOut   io.Writer
	outDir   string
	n        int
	lastCode string
}

// run reads lines until exit, EOF or a closed session.
func (c *chatLoop) run(ctx context.Context, rl lineReader) error {
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ".") {
			c.dotCommand(line)
			continue
		}
		if done := c.handle(ctx, line); done {
			return nil
		}
	}
}

// handle asks one question and reports the outcome. It returns true when the
// session has ended.
func (c *chatLoop) handle(ctx context.Context, q string) bool {
	start := time.Now()
	out, err := c.sess.Ask(ctx, q)
	if err != nil {
		if errors.Is(err, pipeline.ErrClosed) {
			return true
		}
		fmt.Fprintf(c.errOut, "✗ %v\n", err)
		return errors.Is(err, context.Canceled)
	}
	if out.Code != "" {
		c.lastCode = out.Code
	}
	switch {
	case out.State == pipeline.StateExit:
		fmt.Fprintln(c.out, "✓ Session closed")
		return true
	case out.Succeeded():
		c.n++
		path, werr := c.writeChart(q, out.HTML)
		if werr != nil {
			fmt.Fprintf(c.errOut, "✗ Chart produced but not saved: %v\n", werr)
			return false
		}
		fmt.Fprintf(c.out, "✓ Chart written to %s (attempts: %d, %s)\n", path, out.Attempts, time.Since(start).Round(time.Millisecond))
		if out.Usage.Total() > 0 {
			fmt.Fprintf(c.out, "  tokens: %d in / %d out", out.Usage.PromptTokens, out.Usage.CompletionTokens)
			if out.CostUSD > 0 {
				fmt.Fprintf(c.out, ", est. cost $%.4f", out.CostUSD)
			}
			fmt.Fprintln(c.out)
		}
	default:
		fmt.Fprintf(c.errOut, "✗ No chart after %d attempt(s): %s\n", out.Attempts, out.Message)
		logger.Debug("query failed", zap.String("query", q), zap.Any("failures", out.Failures))
	}
	return false
}

func (c *chatLoop) writeChart(query, fragment string) (string, error) {
	dir := c.outDir
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, fmt.Sprintf("chart-%03d.html", c.n))
	page := fmt.Sprintf("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n%s\n</body>\n</html>\n",
		html.EscapeString(query), fragment)
	if err := utils.SafeWriteFile(path, []byte(page)); err != nil {
		return "", err
	}
	return path, nil
}

func (c *chatLoop) dotCommand(line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case ".help":
		fmt.Fprintln(c.out, `Commands:
  .tables          list loaded tables
  .metadata        show the current metadata
  .edit <json>     replace the metadata (allowed once)
  .code            show the last generated code
  exit             end the session`)
	case ".tables":
		fmt.Fprintln(c.out, strings.Join(c.sess.Snapshot().Tables, "\n"))
	case ".metadata":
		b, err := utils.PrettyJSON(c.sess.Snapshot().Metadata)
		if err != nil {
			fmt.Fprintf(c.errOut, "✗ %v\n", err)
			return
		}
		fmt.Fprintln(c.out, string(b))
	case ".edit":
		if _, err := c.sess.UpdateMetadata(strings.TrimSpace(rest)); err != nil {
			fmt.Fprintf(c.errOut, "✗ %v\n", err)
			return
		}
		fmt.Fprintln(c.out, "✓ Metadata updated")
	case ".code":
		if c.lastCode == "" {
			fmt.Fprintln(c.out, "(no code generated yet)")
			return
		}
		fmt.Fprintln(c.out, c.lastCode)
	default:
		fmt.Fprintf(c.errOut, "⚠ Unknown command %s (try .help)\n", cmd)
	}
}
