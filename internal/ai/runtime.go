package ai

import "context"

// Runtime is the minimal surface implemented by chat backends such as
// OpenRouter, Groq and a local Ollama daemon.
type Runtime interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// Provider identifiers accepted in configuration.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGroq       = "groq"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
)

// Default endpoints for the OpenAI-compatible providers.
const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	GroqBaseURL       = "https://api.groq.com/openai/v1"
	OllamaHost        = "http://127.0.0.1:11434"
)
