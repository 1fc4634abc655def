package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	cfgpkg "github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or set AnalyticsHub configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "No config loaded")
			return nil
		}
		printConfig(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value (dotted key, e.g. llm.model) and save to disk",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := cfg
		if c == nil {
			loaded, err := cfgpkg.Load(cfgFile)
			if err != nil {
				return err
			}
			c = loaded
		}
		if err := cfgpkg.Set(c, args[0], args[1]); err != nil {
			return err
		}
		if err := cfgpkg.Save(c, cfgFile); err != nil {
			return err
		}
		cfg = c
		fmt.Fprintln(cmd.OutOrStdout(), "Saved config")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func printConfig(w io.Writer, c *cfgpkg.Config) {
	fmt.Fprintf(w, "application: %s\n", c.Addr())
	fmt.Fprintf(w, "llm.provider: %s\n", c.LLM.Provider)
	fmt.Fprintf(w, "llm.model: %s\n", c.LLM.Model)
	fmt.Fprintf(w, "llm.temperature: %.3f\n", c.LLM.Temperature)
	fmt.Fprintf(w, "llm.max_tokens: %d\n", c.LLM.MaxTokens)
	fmt.Fprintf(w, "llm.api_key: %s\n", mask(c.LLM.ResolvedAPIKey()))
	if c.LLM.BaseURL != "" {
		fmt.Fprintf(w, "llm.base_url: %s\n", c.LLM.BaseURL)
	}
	fmt.Fprintf(w, "sandbox.python: %s\n", c.Sandbox.Python)
	fmt.Fprintf(w, "sandbox.exec_timeout: %s\n", c.Sandbox.ExecTimeout())
	fmt.Fprintf(w, "sandbox.screen: %t\n", c.Sandbox.Screen)
	fmt.Fprintf(w, "retry.max_attempts: %d\n", c.Retry.MaxAttempts)
	fmt.Fprintf(w, "retry.delay: %s\n", c.Retry.Delay())
	fmt.Fprintf(w, "server.session_secret: %s\n", mask(c.Server.SessionSecret))
	fmt.Fprintf(w, "server.idle_timeout: %s\n", c.Server.IdleTimeout())
	fmt.Fprintf(w, "server.max_sessions: %d\n", c.Server.MaxSessions)
	if c.Journal.Path != "" {
		fmt.Fprintf(w, "journal.path: %s\n", c.Journal.Path)
	}
	if c.Templates != "" {
		fmt.Fprintf(w, "templates: %s\n", c.Templates)
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "******"
	}
	return s[:3] + "****" + s[len(s)-3:]
}
