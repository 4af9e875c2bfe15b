package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lumeos/chatdigest/internal/config"
)

func TestOpenAIClient_Generate(t *testing.T) {
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "a fine digest"}},
			},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ProviderConfig{
		Type: "openai", APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "gpt-4o-mini",
	})

	out, err := c.Generate(context.Background(), "be brief", "summarize this", SamplingConfig{
		Temperature: 0.7, TopP: 0.9, MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "a fine digest" {
		t.Errorf("output = %q", out)
	}
	if gotReq["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", gotReq["model"])
	}
	msgs, _ := gotReq["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want system+user", len(msgs))
	}
}

func TestOpenAIClient_EmptyChoicesIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ProviderConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "m"})
	_, err := c.Generate(context.Background(), "s", "u", SamplingConfig{MaxTokens: 10})

	var bErr *BackendError
	if !errors.As(err, &bErr) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
}

func TestOpenAIClient_HTTPErrorIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.ProviderConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "m"})
	_, err := c.Generate(context.Background(), "s", "u", SamplingConfig{MaxTokens: 10})

	var bErr *BackendError
	if !errors.As(err, &bErr) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
}

func TestNew_UnknownProviderType(t *testing.T) {
	if _, err := New(config.ProviderConfig{Type: "mystery"}); err == nil {
		t.Error("expected error for unknown provider type")
	}
}
