package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ReviveAnalyticsPvtLtd/AnalyticsHub/internal/ai"
)

// ModelConfig selects and tunes the chat model behind both chains.
type ModelConfig struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	APIKey      string
	BaseURL     string
	Host        string // ollama
	Timeout     time.Duration
	RetryMax    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewChatModel builds the eino chat model for cfg.Provider. "openai" uses the
// eino-ext OpenAI client; the other providers go through the ai runtimes.
func NewChatModel(ctx context.Context, cfg ModelConfig) (model.BaseChatModel, error) {
	if cfg.Model == "" {
		return nil, &ConstructionError{Stage: "model", Err: errors.New("model name is empty")}
	}
	switch cfg.Provider {
	case ai.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, &ConstructionError{Stage: "model", Err: ai.ErrMissingAPIKey}
		}
		temp := float32(cfg.Temperature)
		oc := &openai.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: &temp,
			Timeout:     cfg.Timeout,
		}
		if cfg.MaxTokens > 0 {
			mt := cfg.MaxTokens
			oc.MaxTokens = &mt
		}
		cm, err := openai.NewChatModel(ctx, oc)
		if err != nil {
			return nil, &ConstructionError{Stage: "model", Err: err}
		}
		return cm, nil
	case "":
		return nil, &ConstructionError{Stage: "model", Err: errors.New("provider is empty")}
	}
	rt, ok := ai.GetRuntime(cfg.Provider, ai.RuntimeConfig{
		HTTPTimeout: cfg.Timeout,
		RetryMax:    cfg.RetryMax,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Host:        cfg.Host,
	})
	if !ok {
		return nil, &ConstructionError{Stage: "model", Err: fmt.Errorf("unknown provider %q (known: openai, %v)", cfg.Provider, ai.Providers())}
	}
	if cfg.Provider != ai.ProviderOllama && cfg.APIKey == "" {
		return nil, &ConstructionError{Stage: "model", Err: ai.ErrMissingAPIKey}
	}
	return NewRuntimeChatModel(rt, cfg.Model, cfg.Temperature, cfg.MaxTokens), nil
}

// RuntimeChatModel adapts an ai.Runtime to eino's BaseChatModel.
type RuntimeChatModel struct {
	rt          ai.Runtime
	model       string
	temperature float32
	maxTokens   int
}

// NewRuntimeChatModel wraps rt; per-call model options override the defaults.
func NewRuntimeChatModel(rt ai.Runtime, modelName string, temperature float64, maxTokens int) *RuntimeChatModel {
	return &RuntimeChatModel{rt: rt, model: modelName, temperature: float32(temperature), maxTokens: maxTokens}
}

// Generate sends the messages through the runtime and returns the assistant reply.
func (m *RuntimeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	temp, maxTokens, name := m.temperature, m.maxTokens, m.model
	o := model.GetCommonOptions(&model.Options{Temperature: &temp, MaxTokens: &maxTokens, Model: &name}, opts...)

	req := ai.GenerateRequest{Model: *o.Model, Temperature: float64(*o.Temperature)}
	if o.MaxTokens != nil {
		req.MaxTokens = *o.MaxTokens
	}
	for _, msg := range input {
		req.Messages = append(req.Messages, ai.Message{Role: string(msg.Role), Content: msg.Content})
	}
	resp, err := m.rt.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}
	out := schema.AssistantMessage(resp.Content(), nil)
	out.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}}
	return out, nil
}

// Stream yields the full reply as a single chunk; the runtimes do not stream.
func (m *RuntimeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}
