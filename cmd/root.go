package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ai"
	cfgpkg "github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/config"
)

var (
	cfgFile string
	debug   bool
	// HTTP retry flags for the model runtimes (override config if set)
	flagHTTPTimeoutSec   int
	flagRetryMaxAttempts int
	flagRetryBaseDelayMs int
	flagRetryMaxDelayMs  int
	flagProvider         string
	flagModel            string

	// Loaded configuration
	cfg    *cfgpkg.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "analyticshub",
	Short: "AnalyticsHub: ask questions about CSV data and get Plotly charts",
	Long: `AnalyticsHub loads CSV files into a per-session Python sandbox, asks a language model
to write Plotly code for each question, runs it, and returns the chart as HTML.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(debug)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute is the entry point called by main.main()
func Execute() {
	cobra.OnInitialize(loadConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "✗ Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.analyticshub/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagProvider, "provider", "", "LLM provider: groq | openrouter | openai | ollama (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "model id (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagHTTPTimeoutSec, "http-timeout", 0, "model call timeout in seconds (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryMaxAttempts, "retry-max", 0, "max HTTP retry attempts on 429/5xx (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryBaseDelayMs, "retry-base-ms", 0, "base HTTP retry backoff in ms (overrides config)")
	rootCmd.PersistentFlags().IntVar(&flagRetryMaxDelayMs, "retry-max-ms", 0, "max HTTP retry backoff cap in ms (overrides config)")
}

// newLogger builds a production zap logger; debug lowers the level and
// switches to the development encoder.
func newLogger(debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{"stderr"}
	if debug {
		zc = zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func loadConfig() {
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		// Non-fatal: allow running commands that don't need config
		fmt.Fprintf(os.Stderr, "⚠ Warning: failed to load config: %v\n", err)
		return
	}
	cfg = c
	applyFlagOverrides(cfg)

	if cfg.Models.AutoSync && cfg.Models.CatalogURL != "" {
		if err := fetchAndApplyCatalog(cfg.Models.CatalogURL, cfg.Models.Merge); err != nil {
			fmt.Fprintf(os.Stderr, "⚠ Warning: models auto-sync failed: %v\n", err)
		}
	}
}

func applyFlagOverrides(c *cfgpkg.Config) {
	f := rootCmd.PersistentFlags()
	if f.Changed("provider") && flagProvider != "" {
		c.LLM.Provider = flagProvider
	}
	if f.Changed("model") && flagModel != "" {
		c.LLM.Model = flagModel
	}
	if f.Changed("http-timeout") && flagHTTPTimeoutSec > 0 {
		c.LLM.TimeoutSec = flagHTTPTimeoutSec
	}
	if f.Changed("retry-max") && flagRetryMaxAttempts > 0 {
		c.LLM.HTTPRetryMax = flagRetryMaxAttempts
	}
	if f.Changed("retry-base-ms") && flagRetryBaseDelayMs > 0 {
		c.LLM.RetryBaseDelayMs = flagRetryBaseDelayMs
	}
	if f.Changed("retry-max-ms") && flagRetryMaxDelayMs > 0 {
		c.LLM.RetryMaxDelayMs = flagRetryMaxDelayMs
	}
}

// requireConfig returns the loaded config or the load failure as an error.
func requireConfig() (*cfgpkg.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := cfgpkg.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(c)
	cfg = c
	return cfg, nil
}

// fetchAndApplyCatalog downloads a JSON catalog and applies it in-memory.
func fetchAndApplyCatalog(url string, merge bool) error {
	client := &http.Client{Timeout: 20 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("fetch: unexpected status %s: %s", resp.Status, string(b))
	}
	var m map[string]ai.ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if merge {
		ai.MergeCatalog(m)
	} else {
		ai.OverrideCatalog(m)
	}
	return nil
}
