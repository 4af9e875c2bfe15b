package backend

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lumeos/chatdigest/internal/config"
)

// OpenAIClient is the remote-API strategy: a chat-completion request against
// a hosted OpenAI-compatible provider, returning the first choice's content.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(cfg config.ProviderConfig) *OpenAIClient {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(conf),
		model:  cfg.Model,
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, systemPrompt, userPrompt string, sampling SamplingConfig) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: float32(sampling.Temperature),
		TopP:        float32(sampling.TopP),
		MaxTokens:   sampling.MaxTokens,
	})
	if err != nil {
		return "", backendErrf(err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", backendErrf(nil, "no response choices")
	}
	return resp.Choices[0].Message.Content, nil
}
