package chain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// Chains are the two compiled prompt -> model -> text pipelines a session uses.
type Chains struct {
	query    compose.Runnable[map[string]any, *schema.Message]
	metadata compose.Runnable[map[string]any, *schema.Message]
	timeout  time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	usage Usage
}

// Usage counts tokens reported by the model across invocations.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Sub returns the tokens spent since an earlier reading.
func (u Usage) Sub(earlier Usage) Usage {
	return Usage{PromptTokens: u.PromptTokens - earlier.PromptTokens, CompletionTokens: u.CompletionTokens - earlier.CompletionTokens}
}

// Total is prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Options tunes Build.
type Options struct {
	// Timeout bounds each invocation; 0 leaves only the caller's deadline.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Build compiles the query and metadata chains over chatModel.
func Build(ctx context.Context, tpl *Templates, chatModel model.BaseChatModel, opts Options) (*Chains, error) {
	if tpl == nil {
		return nil, &ConstructionError{Stage: "templates", Err: errors.New("templates are nil")}
	}
	if err := tpl.Validate(); err != nil {
		return nil, &ConstructionError{Stage: "templates", Err: err}
	}
	if chatModel == nil {
		return nil, &ConstructionError{Stage: "model", Err: errors.New("chat model is nil")}
	}
	q, err := compile(ctx, tpl.CodeGenerator, chatModel)
	if err != nil {
		return nil, &ConstructionError{Stage: "compile query chain", Err: err}
	}
	m, err := compile(ctx, tpl.MetadataGenerator, chatModel)
	if err != nil {
		return nil, &ConstructionError{Stage: "compile metadata chain", Err: err}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chains{query: q, metadata: m, timeout: opts.Timeout, logger: logger}, nil
}

func compile(ctx context.Context, tpl string, chatModel model.BaseChatModel) (compose.Runnable[map[string]any, *schema.Message], error) {
	c := compose.NewChain[map[string]any, *schema.Message]()
	c.AppendChatTemplate(prompt.FromMessages(schema.FString, schema.UserMessage(tpl))).
		AppendChatModel(chatModel)
	return c.Compile(ctx)
}

// Query turns a question into raw model text expected to hold one code block.
func (c *Chains) Query(ctx context.Context, query, domain, metadata string) (string, error) {
	return c.invoke(ctx, "query", c.query, map[string]any{
		VarUserQuery:     query,
		VarDomainContext: domain,
		VarMetadata:      metadata,
	})
}

// Metadata turns the attribute summary into raw model text expected to hold JSON.
func (c *Chains) Metadata(ctx context.Context, attributeInfo string) (string, error) {
	return c.invoke(ctx, "metadata", c.metadata, map[string]any{VarAttributeInfo: attributeInfo})
}

// Usage returns the tokens reported so far by both chains.
func (c *Chains) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

func (c *Chains) invoke(ctx context.Context, name string, r compose.Runnable[map[string]any, *schema.Message], in map[string]any) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	msg, err := r.Invoke(ctx, in)
	if err == nil && msg == nil {
		err = errors.New("model returned no message")
	}
	if err != nil {
		c.logger.Debug("chain invocation failed", zap.String("chain", name), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return "", &InvocationError{Chain: name, Err: err}
	}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		c.mu.Lock()
		c.usage.PromptTokens += msg.ResponseMeta.Usage.PromptTokens
		c.usage.CompletionTokens += msg.ResponseMeta.Usage.CompletionTokens
		c.mu.Unlock()
	}
	c.logger.Debug("chain invoked", zap.String("chain", name), zap.Duration("elapsed", time.Since(start)), zap.Int("chars", len(msg.Content)))
	return msg.Content, nil
}
