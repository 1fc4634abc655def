package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"go.uber.org/zap"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ai"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/chain"
	cfgpkg "github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/config"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/journal"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/pipeline"
	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/sandbox"
)

// sessionDeps are the constructors a session needs; tests swap them out.
type sessionDeps struct {
	newChatModel func(ctx context.Context, mc chain.ModelConfig) (model.BaseChatModel, error)
	newSandbox   func(opts sandbox.Options, logger *zap.Logger) (pipeline.Sandbox, error)
}

var defaultSessionDeps = sessionDeps{
	newChatModel: func(ctx context.Context, mc chain.ModelConfig) (model.BaseChatModel, error) {
		return chain.NewChatModel(ctx, mc)
	},
	newSandbox: func(opts sandbox.Options, logger *zap.Logger) (pipeline.Sandbox, error) {
		it, err := sandbox.New(opts, logger)
		if err != nil {
			return nil, err
		}
		return it, nil
	},
}

// modelConfig maps the llm section onto the chain model settings.
func modelConfig(c *cfgpkg.Config) chain.ModelConfig {
	provider := strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	return chain.ModelConfig{
		Provider:    provider,
		Model:       c.LLM.Model,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
		APIKey:      c.LLM.ResolvedAPIKey(),
		BaseURL:     c.LLM.BaseURL,
		Host:        c.LLM.Host,
		Timeout:     c.LLM.Timeout(),
		RetryMax:    c.LLM.HTTPRetryMax,
		BaseDelay:   c.LLM.BaseDelay(),
		MaxDelay:    c.LLM.MaxDelay(),
	}
}

// pipelineOptions maps retry, rendering and context settings onto a session.
func pipelineOptions(c *cfgpkg.Config) pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.MaxAttempts = c.Retry.MaxAttempts
	opts.RetryDelay = c.Retry.Delay()
	opts.Model = c.LLM.Model
	if c.LLM.ContextReserve > 0 {
		opts.ContextReserve = c.LLM.ContextReserve
	}
	if c.Sandbox.IncludePlotlyJS != "" {
		opts.Render.IncludePlotlyJS = c.Sandbox.IncludePlotlyJS
	}
	return opts
}

func sandboxOptions(c *cfgpkg.Config, workdir string) (sandbox.Options, error) {
	opts := sandbox.Options{
		Python:       c.Sandbox.Python,
		WorkDir:      workdir,
		Timeout:      c.Sandbox.ExecTimeout(),
		StartTimeout: c.Sandbox.StartTimeout(),
	}
	if c.Sandbox.Screen {
		sc, err := sandbox.NewScreener(c.Sandbox.MaxCodeBytes, c.Sandbox.ExtraForbidden...)
		if err != nil {
			return opts, fmt.Errorf("sandbox screen: %w", err)
		}
		opts.Screener = sc
	}
	return opts, nil
}

// chainTimeout bounds one chain invocation. llm.timeout_sec applies to each
// HTTP request and the runtime clients retry internally, so the chain gets
// room for every attempt plus the backoff between them. The eino-ext openai
// model does not retry. Zero retry settings fall back to the largest client
// defaults.
func chainTimeout(mc chain.ModelConfig) time.Duration {
	if mc.Timeout <= 0 {
		return 0
	}
	if mc.Provider == ai.ProviderOpenAI {
		return mc.Timeout
	}
	attempts, wait := mc.RetryMax, mc.MaxDelay
	if attempts <= 0 {
		attempts = 3
	}
	if wait <= 0 {
		wait = 4 * time.Second
	}
	return time.Duration(attempts)*mc.Timeout + time.Duration(attempts-1)*wait
}

// newPipelineDeps wires templates, chat model, sandbox and journal for
// sessions built from c. Templates are parsed once, up front.
func newPipelineDeps(c *cfgpkg.Config, j *journal.Journal, log *zap.Logger, deps sessionDeps) (pipeline.Deps, error) {
	tpl, err := chain.LoadTemplates(c.Templates)
	if err != nil {
		return pipeline.Deps{}, err
	}
	mc := modelConfig(c)
	pd := pipeline.Deps{
		Logger: log,
		BuildChains: func(ctx context.Context) (pipeline.Chains, error) {
			cm, err := deps.newChatModel(ctx, mc)
			if err != nil {
				return nil, err
			}
			chains, err := chain.Build(ctx, tpl, cm, chain.Options{Timeout: chainTimeout(mc), Logger: log})
			if err != nil {
				return nil, err
			}
			return chains, nil
		},
		NewSandbox: func(workdir string) (pipeline.Sandbox, error) {
			so, err := sandboxOptions(c, workdir)
			if err != nil {
				return nil, err
			}
			return deps.newSandbox(so, log)
		},
	}
	if j != nil {
		pd.Journal = j
	}
	return pd, nil
}

// openJournal opens the run journal when journal.path is configured.
func openJournal(ctx context.Context, c *cfgpkg.Config) (*journal.Journal, error) {
	if c.Journal.Path == "" {
		return nil, nil
	}
	j, err := journal.Open(ctx, c.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}
