package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumeos/chatdigest/internal/config"
)

// LocalClient is the local-inference strategy: it drives a llama-server
// instance serving a quantized model. Construction verifies the server is
// reachable and actually running on accelerator hardware; a CPU-only server
// is a configuration error, not something to discover one slow request at
// a time.
type LocalClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

type serverProps struct {
	ModelPath                 string `json:"model_path"`
	DefaultGenerationSettings struct {
		NGpuLayers int `json:"n_gpu_layers"`
	} `json:"default_generation_settings"`
}

type localChatRequest struct {
	Model       string             `json:"model"`
	Messages    []localChatMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	TopP        float64            `json:"top_p"`
	TopK        int                `json:"top_k,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
}

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func NewLocalClient(cfg config.ProviderConfig) (*LocalClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultLocalServerURL
	}
	// No client-level timeout: generation length is governed by the
	// caller's context. The startup probe bounds itself below.
	c := &LocalClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{},
	}

	props, err := c.fetchProps()
	if err != nil {
		return nil, fmt.Errorf("probe inference server at %s: %w", c.baseURL, err)
	}
	if props.DefaultGenerationSettings.NGpuLayers <= 0 {
		return nil, fmt.Errorf("inference server at %s has no GPU layers offloaded; hardware acceleration is required", c.baseURL)
	}
	return c, nil
}

func (c *LocalClient) fetchProps() (*serverProps, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/props", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var props serverProps
	if err := json.NewDecoder(resp.Body).Decode(&props); err != nil {
		return nil, fmt.Errorf("decode props: %w", err)
	}
	return &props, nil
}

func (c *LocalClient) Generate(ctx context.Context, systemPrompt, userPrompt string, sampling SamplingConfig) (string, error) {
	reqBody := localChatRequest{
		Model: c.model,
		Messages: []localChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
		TopK:        sampling.TopK,
		MaxTokens:   sampling.MaxTokens,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", backendErrf(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", backendErrf(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", backendErrf(err, "inference request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", backendErrf(nil, "inference server status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chatResp localChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", backendErrf(err, "decode response")
	}
	if len(chatResp.Choices) == 0 {
		return "", backendErrf(nil, "no response choices")
	}

	return stripPromptEcho(chatResp.Choices[0].Message.Content, userPrompt), nil
}

// stripPromptEcho removes a leading copy of the prompt from the decoded
// output. Some chat templates echo the conversation before the reply.
func stripPromptEcho(output, userPrompt string) string {
	out := strings.TrimSpace(output)
	if userPrompt == "" {
		return out
	}
	if rest, ok := strings.CutPrefix(out, strings.TrimSpace(userPrompt)); ok {
		return strings.TrimSpace(rest)
	}
	return out
}
