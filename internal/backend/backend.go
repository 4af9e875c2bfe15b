package backend

import (
	"context"
	"fmt"

	"github.com/lumeos/chatdigest/internal/config"
)

// SamplingConfig controls decoding for a single generation call.
type SamplingConfig struct {
	Temperature float64
	TopP        float64
	TopK        int // ignored by backends whose API has no top-k knob
	MaxTokens   int
}

// Generator is the one capability the rest of the system needs from a
// text-generation backend: a prompt in, text out. Implementations fail
// with *BackendError on any internal fault.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, sampling SamplingConfig) (string, error)
}

// BackendError wraps any fault inside a generation backend. The diagnostic
// is for logs only and must never be relayed to end users.
type BackendError struct {
	Diag string
	Err  error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend: %s: %v", e.Diag, e.Err)
	}
	return "backend: " + e.Diag
}

func (e *BackendError) Unwrap() error { return e.Err }

func backendErrf(err error, format string, args ...any) *BackendError {
	return &BackendError{Diag: fmt.Sprintf(format, args...), Err: err}
}

// New selects the backend strategy from configuration. "local" talks to a
// llama-server instance and fails fast when hardware acceleration is not
// active; "openai" (the default) is the hosted OpenAI-compatible API.
func New(cfg config.ProviderConfig) (Generator, error) {
	switch cfg.Type {
	case "local":
		return NewLocalClient(cfg)
	case "openai", "":
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
