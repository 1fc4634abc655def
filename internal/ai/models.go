package ai

import (
	"encoding/json"
	"os"
	"sync"
)

// ModelInfo describes a chat model's context window and illustrative pricing.
type ModelInfo struct {
	Name          string
	Provider      string
	ContextTokens int     // approximate context window
	InputPerK     float64 // USD per 1K input tokens
	OutputPerK    float64 // USD per 1K output tokens
}

var (
	catalogMu sync.RWMutex
	models    = map[string]ModelInfo{
		// Groq
		"llama-3.3-70b-versatile": {Name: "llama-3.3-70b-versatile", Provider: ProviderGroq, ContextTokens: 131072, InputPerK: 0.00059, OutputPerK: 0.00079},
		"llama-3.1-8b-instant":    {Name: "llama-3.1-8b-instant", Provider: ProviderGroq, ContextTokens: 131072, InputPerK: 0.00005, OutputPerK: 0.00008},
		"llama3-70b-8192":         {Name: "llama3-70b-8192", Provider: ProviderGroq, ContextTokens: 8192, InputPerK: 0.00059, OutputPerK: 0.00079},
		"mixtral-8x7b-32768":      {Name: "mixtral-8x7b-32768", Provider: ProviderGroq, ContextTokens: 32768, InputPerK: 0.00024, OutputPerK: 0.00024},
		"gemma2-9b-it":            {Name: "gemma2-9b-it", Provider: ProviderGroq, ContextTokens: 8192, InputPerK: 0.0002, OutputPerK: 0.0002},
		// OpenAI direct
		"gpt-4o-mini": {Name: "gpt-4o-mini", Provider: ProviderOpenAI, ContextTokens: 128000, InputPerK: 0.00015, OutputPerK: 0.0006},
		"gpt-4o":      {Name: "gpt-4o", Provider: ProviderOpenAI, ContextTokens: 128000, InputPerK: 0.0025, OutputPerK: 0.01},
		// OpenRouter
		"openai/gpt-4o-mini":          {Name: "openai/gpt-4o-mini", Provider: ProviderOpenRouter, ContextTokens: 128000, InputPerK: 0.00015, OutputPerK: 0.0006},
		"anthropic/claude-3.5-sonnet": {Name: "anthropic/claude-3.5-sonnet", Provider: ProviderOpenRouter, ContextTokens: 200000, InputPerK: 0.003, OutputPerK: 0.015},
		"deepseek/deepseek-r1:free":   {Name: "deepseek/deepseek-r1:free", Provider: ProviderOpenRouter, ContextTokens: 128000},
		// Local Ollama tags
		"llama3.1:8b":      {Name: "llama3.1:8b", Provider: ProviderOllama, ContextTokens: 8192},
		"qwen2.5-coder:7b": {Name: "qwen2.5-coder:7b", Provider: ProviderOllama, ContextTokens: 32768},
		"codellama:13b":    {Name: "codellama:13b", Provider: ProviderOllama, ContextTokens: 16384},
	}
)

// LookupModel returns ModelInfo and ok flag.
func LookupModel(name string) (ModelInfo, bool) {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	mi, ok := models[name]
	return mi, ok
}

// FitsContext reports whether promptTokens plus reserve fit the model's
// context window. Unknown models are assumed to fit.
func FitsContext(model string, promptTokens, reserve int) (fits bool, limit int) {
	mi, ok := LookupModel(model)
	if !ok || mi.ContextTokens <= 0 {
		return true, 0
	}
	return promptTokens+reserve <= mi.ContextTokens, mi.ContextTokens
}

// EstimateCostUSD estimates total cost in USD for given tokens using model pricing.
// If the model is unknown, returns 0 and ok=false.
func EstimateCostUSD(model string, promptTokens, completionTokens int) (float64, bool) {
	mi, ok := LookupModel(model)
	if !ok {
		return 0, false
	}
	inCost := (float64(promptTokens) / 1000.0) * mi.InputPerK
	outCost := (float64(completionTokens) / 1000.0) * mi.OutputPerK
	return inCost + outCost, true
}

// LoadCatalogFromJSON loads a JSON object map[string]ModelInfo from a file path.
// { "llama-3.3-70b-versatile": {"Name":"llama-3.3-70b-versatile","ContextTokens":131072} }
func LoadCatalogFromJSON(path string) (map[string]ModelInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m map[string]ModelInfo
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// OverrideCatalog replaces the in-memory catalog entirely.
func OverrideCatalog(m map[string]ModelInfo) {
	if m == nil {
		return
	}
	catalogMu.Lock()
	defer catalogMu.Unlock()
	models = m
}

// MergeCatalog merges/overrides entries in the in-memory catalog.
func MergeCatalog(m map[string]ModelInfo) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	for k, v := range m {
		if v.Name == "" {
			v.Name = k
		}
		models[k] = v
	}
}

// Catalog returns a shallow copy of the current model catalog.
func Catalog() map[string]ModelInfo {
	catalogMu.RLock()
	defer catalogMu.RUnlock()
	out := make(map[string]ModelInfo, len(models))
	for k, v := range models {
		out[k] = v
	}
	return out
}
