package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/pipeline"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (one pipeline session per browser session)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			c.Application.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			c.Application.Port = servePort
		}

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

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
		opts := pipelineOptions(c)

		srv, err := server.New(server.Config{
			Addr:          c.Addr(),
			SessionSecret: c.Server.SessionSecret,
			CookieName:    c.Server.CookieName,
			IdleTimeout:   c.Server.IdleTimeout(),
			MaxUpload:     int64(c.Server.MaxUploadMB) << 20,
			MaxSessions:   c.Server.MaxSessions,
			Factory: func() (*pipeline.Session, error) {
				return pipeline.NewSession(opts, deps)
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Serving on http://%s (%s/%s)\n", c.Addr(), c.LLM.Provider, c.LLM.Model)
		return srv.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides application.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides application.port)")
}
