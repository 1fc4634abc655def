package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

const plotReply = "```python\nimport plotly.express as px\nfig = px.line(sales, x='date', y='amount')\nfig.show()\n```"

func TestOllamaCodeReplyAndOptions(t *testing.T) {
	var got ollamaChatRequest
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": plotReply},
			"prompt_eval_count": 120,
			"eval_count":        40,
			"done":              true,
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 2*time.Second, 1, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Generate(ctx, GenerateRequest{
		Model:       "qwen2.5-coder:7b",
		Messages:    []Message{{Role: "user", Content: "plot amount over time"}},
		MaxTokens:   256,
		Temperature: 0.1,
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if resp.Content() != plotReply {
		t.Fatalf("unexpected content: %q", resp.Content())
	}
	if resp.Usage.TotalTokens != 160 || resp.RequestID == "" {
		t.Fatalf("unexpected usage/request id: %+v %q", resp.Usage, resp.RequestID)
	}
	if got.Stream {
		t.Fatalf("request must not stream")
	}
	if got.Options["num_predict"] != float64(256) || got.Options["temperature"] != 0.1 {
		t.Fatalf("options not forwarded: %+v", got.Options)
	}
}

func TestOllamaRetriesServerError(t *testing.T) {
	var calls int32
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "model is loading"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": "{}"}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 2*time.Second, 2, time.Millisecond, 2*time.Millisecond)
	resp, err := c.Generate(context.Background(), GenerateRequest{Model: "llama3.1:8b", Messages: []Message{{Role: "user", Content: "describe columns"}}})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if resp.Content() != "{}" || atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("content=%q calls=%d", resp.Content(), calls)
	}
}

func TestOllamaUnknownModelIsPermanent(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "model 'nope' not found"})
	}))
	defer srv.Close()
	c := NewOllamaClient(srv.URL, 2*time.Second, 3, time.Millisecond, time.Millisecond)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "nope", Messages: []Message{{Role: "user", Content: "hi"}}})
	var mnf *ModelNotFoundError
	if !errors.As(err, &mnf) {
		t.Fatalf("expected ModelNotFoundError, got %v", err)
	}
	if !IsPermanent(err) {
		t.Fatalf("unknown model should be permanent")
	}
}

func TestOllamaBadRequestIsTransient(t *testing.T) {
	srv := newIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "bad request"})
	}))
	defer srv.Close()
	c := NewOllamaClient(srv.URL, 2*time.Second, 1, 0, 0)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "llama3.1:8b", Messages: []Message{{Role: "user", Content: "hi"}}})
	var br *BadRequestError
	if !errors.As(err, &br) {
		t.Fatalf("expected BadRequestError, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatalf("bad request should not be permanent")
	}
}

func TestOllamaUnreachable(t *testing.T) {
	c := NewOllamaClient("http://127.0.0.1:1", time.Second, 1, 0, 0)
	_, err := c.Generate(context.Background(), GenerateRequest{Model: "llama3.1:8b", Messages: []Message{{Role: "user", Content: "hi"}}})
	var ue *UnreachableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnreachableError, got %T: %v", err, err)
	}
}

func TestOllamaRejectsEmptyRequest(t *testing.T) {
	c := NewOllamaClient("", time.Second, 1, 0, 0)
	if _, err := c.Generate(context.Background(), GenerateRequest{Messages: []Message{{Role: "user", Content: "hi"}}}); err == nil {
		t.Fatalf("expected error for empty model")
	}
	if _, err := c.Generate(context.Background(), GenerateRequest{Model: "llama3.1:8b"}); err == nil {
		t.Fatalf("expected error for empty messages")
	}
}

func TestIsPermanent(t *testing.T) {
	api := &APIError{StatusCode: 401}
	cases := []struct {
		err  error
		want bool
	}{
		{ErrMissingAPIKey, true},
		{&AuthError{APIError: api}, true},
		{&QuotaExceededError{APIError: api}, true},
		{&RateLimitError{APIError: api}, false},
		{&ServerError{APIError: api}, false},
		{&UnreachableError{Host: "x", Err: errors.New("refused")}, false},
		{errors.New("other"), false},
		{nil, false},
		// OpenAI-compatible chat model failures, wrapped the way the chain reports them
		{fmt.Errorf("[NodeRunError] failed to create chat completion: %w", errors.New("error, status code: 401, status: 401 Unauthorized, message: Invalid API Key")), true},
		{errors.New("error, status code: 404, status: 404 Not Found, message: The model `llama-9` does not exist"), true},
		{errors.New("error, status code: 403, status: 403 Forbidden, message: denied"), true},
		{errors.New("error, status code: 400, status: 400 Bad Request, message: code=invalid_api_key"), true},
		{errors.New("error, status code: 429, status: 429 Too Many Requests, message: slow down"), false},
		{errors.New("error, status code: 503, status: 503 Service Unavailable, message: overloaded"), false},
	}
	for _, tc := range cases {
		if got := IsPermanent(tc.err); got != tc.want {
			t.Fatalf("IsPermanent(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}
