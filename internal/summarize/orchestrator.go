package summarize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lumeos/chatdigest/internal/backend"
	"github.com/lumeos/chatdigest/internal/store"
)

// ErrNoData means the requested window holds zero messages. Not a failure:
// the backend is never invoked on an empty transcript.
var ErrNoData = errors.New("no messages in requested window")

// GenerationError is the terminal failure of a summarize call. The cause is
// for logs; user-facing text stays generic.
type GenerationError struct {
	RequestID string
	Timeout   bool
	cause     error
}

func (e *GenerationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("summarize %s: generation timed out", e.RequestID)
	}
	return fmt.Sprintf("summarize %s: generation failed: %v", e.RequestID, e.cause)
}

func (e *GenerationError) Unwrap() error { return e.cause }

// Result is a delivered digest.
type Result struct {
	Text         string
	GeneratedAt  time.Time
	MessageCount int
}

// Orchestrator turns a (conversation, period) pair into a digest: window the
// store, format a transcript, offload a generation call to a bounded worker
// pool, and map every fault to ErrNoData or *GenerationError.
type Orchestrator struct {
	store    *store.Store
	gen      backend.Generator
	prompts  PromptSet
	sampling backend.SamplingConfig
	timeout  time.Duration

	workers chan struct{}
	now     func() time.Time
}

func NewOrchestrator(s *store.Store, gen backend.Generator, prompts PromptSet, sampling backend.SamplingConfig, timeout time.Duration, workers int) *Orchestrator {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		store:    s,
		gen:      gen,
		prompts:  prompts,
		sampling: sampling,
		timeout:  timeout,
		workers:  make(chan struct{}, workers),
		now:      time.Now,
	}
}

type genResult struct {
	text string
	err  error
}

// Summarize produces a digest of the trailing period for one conversation.
// Returns ErrNoData for an empty window and *GenerationError when the
// backend fails or exceeds the timeout.
func (o *Orchestrator) Summarize(ctx context.Context, chatID string, period Period) (*Result, error) {
	reqID := uuid.NewString()
	now := o.now().UTC()

	// Windowing
	cutoff := now.Add(-period.Duration)
	msgs := o.store.QueryWindow(chatID, cutoff)
	if len(msgs) == 0 {
		log.Printf("[summarize] %s chat=%s period=%s: empty window", reqID, chatID, period.Label)
		return nil, ErrNoData
	}

	// Formatting
	transcript := FormatTranscript(msgs)
	userPrompt := o.prompts.Render(transcript, now)
	log.Printf("[summarize] %s chat=%s period=%s: generating from %d messages", reqID, chatID, period.Label, len(msgs))

	// Generating, off the caller's loop on a bounded pool.
	select {
	case o.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, &GenerationError{RequestID: reqID, cause: ctx.Err()}
	}

	genCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resCh := make(chan genResult, 1)
	go func() {
		defer func() { <-o.workers }()
		text, err := o.gen.Generate(genCtx, o.prompts.System, userPrompt, o.sampling)
		resCh <- genResult{text: text, err: err}
	}()

	// The timeout is enforced here as well as via genCtx so a backend that
	// ignores cancellation cannot stall the request indefinitely.
	select {
	case res := <-resCh:
		if res.err != nil {
			log.Printf("[summarize] %s chat=%s: backend error: %v", reqID, chatID, res.err)
			return nil, &GenerationError{RequestID: reqID, cause: res.err}
		}
		log.Printf("[summarize] %s chat=%s: delivered %d chars", reqID, chatID, len(res.text))
		return &Result{Text: res.text, GeneratedAt: o.now().UTC(), MessageCount: len(msgs)}, nil
	case <-genCtx.Done():
		timedOut := errors.Is(genCtx.Err(), context.DeadlineExceeded)
		if timedOut {
			log.Printf("[summarize] %s chat=%s: generation timed out after %s", reqID, chatID, o.timeout)
		} else {
			log.Printf("[summarize] %s chat=%s: generation cancelled: %v", reqID, chatID, genCtx.Err())
		}
		return nil, &GenerationError{RequestID: reqID, Timeout: timedOut, cause: genCtx.Err()}
	}
}
