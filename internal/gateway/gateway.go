package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/lumeos/chatdigest/internal/backend"
	"github.com/lumeos/chatdigest/internal/bus"
	"github.com/lumeos/chatdigest/internal/channel"
	"github.com/lumeos/chatdigest/internal/config"
	"github.com/lumeos/chatdigest/internal/cron"
	"github.com/lumeos/chatdigest/internal/importer"
	"github.com/lumeos/chatdigest/internal/store"
	"github.com/lumeos/chatdigest/internal/summarize"
)

const (
	progressText = "Generating the digest... this can take up to 30 seconds."
	noDataText   = "No messages found for this period."
	failedText   = "Something went wrong while generating the digest. Please try again later."
)

// Options for creating a Gateway. The injectable fields exist for tests.
type Options struct {
	Generator  backend.Generator
	Source     importer.Source
	Prompts    *summarize.PromptSet
	SignalChan chan os.Signal
}

// Gateway wires the store, orchestrator, importer, channels and cron
// together and runs the event loop.
type Gateway struct {
	cfg          *config.Config
	bus          *bus.MessageBus
	store        *store.Store
	orchestrator *summarize.Orchestrator
	channels     *channel.ChannelManager
	cron         *cron.Service
	importer     *importer.Importer
	periods      []summarize.Period
	signalChan   chan os.Signal

	// delivererFor resolves a channel's delivery interface; overridable in
	// tests.
	delivererFor func(name string) (channel.Deliverer, bool)
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		store:      store.New(),
		periods:    summarize.PeriodsFromConfig(cfg.Periods),
		signalChan: opts.SignalChan,
	}

	prompts, err := loadPrompts(cfg, opts)
	if err != nil {
		return nil, err
	}

	gen := opts.Generator
	if gen == nil {
		gen, err = backend.New(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("create backend: %w", err)
		}
	}

	g.orchestrator = summarize.NewOrchestrator(
		g.store, gen, prompts,
		backend.SamplingConfig{
			Temperature: cfg.Sampling.Temperature,
			TopP:        cfg.Sampling.TopP,
			TopK:        cfg.Sampling.TopK,
			MaxTokens:   cfg.Sampling.MaxTokens,
		},
		time.Duration(cfg.Summary.TimeoutSec)*time.Second,
		cfg.Summary.Workers,
	)

	source := opts.Source
	if source == nil && cfg.Importer.BaseURL != "" {
		source, err = importer.NewHTTPSource(cfg.Importer)
		if err != nil {
			return nil, fmt.Errorf("create history source: %w", err)
		}
	}
	if source != nil {
		g.importer = importer.New(source, cfg.Importer)
	}

	chMgr, err := channel.NewChannelManager(cfg.Telegram, g.periods, g.bus)
	if err != nil {
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	g.delivererFor = chMgr.Deliverer

	g.cron = cron.NewService(filepath.Join(config.ConfigDir(), "data", "import-jobs.json"))
	g.cron.OnJob = g.runImportJob

	return g, nil
}

func loadPrompts(cfg *config.Config, opts Options) (summarize.PromptSet, error) {
	if opts.Prompts != nil {
		return *opts.Prompts, nil
	}
	prompts, err := summarize.LoadPrompts(cfg.PromptDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("[gateway] no prompt files in %s, using built-in prompts", cfg.PromptDir)
			return summarize.DefaultPrompts, nil
		}
		return summarize.PromptSet{}, fmt.Errorf("load prompts: %w", err)
	}
	return prompts, nil
}

// Store exposes the conversation store (for tests and the import CLI).
func (g *Gateway) Store() *store.Store { return g.store }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if g.importer != nil {
		if err := g.cron.Start(ctx); err != nil {
			log.Printf("[gateway] cron start warning: %v", err)
		}
	} else {
		log.Printf("[gateway] no history gateway configured, backfill disabled")
	}

	go g.processLoop(ctx)

	log.Printf("[gateway] running")

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.store.Append(conversationKey(msg.Channel, msg.ChatID), store.Message{
				Timestamp:  msg.Timestamp,
				AuthorID:   msg.SenderID,
				AuthorName: msg.SenderName,
				Text:       msg.Text,
				SourceID:   msg.SourceID,
			})
		case req := <-g.bus.Requests:
			go g.handleSummaryRequest(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// handleSummaryRequest runs one digest request end to end: progress
// message, summarize, edit the result in. Generation happens once; only
// delivery is retried on platform rate limits.
func (g *Gateway) handleSummaryRequest(ctx context.Context, req bus.SummaryRequested) {
	period, ok := summarize.FindPeriod(g.periods, req.PeriodLabel)
	if !ok {
		log.Printf("[gateway] unknown period %q requested in %s", req.PeriodLabel, req.ChatID)
		return
	}

	deliverer, ok := g.delivererFor(req.Channel)
	if !ok {
		log.Printf("[gateway] channel %s cannot deliver summaries", req.Channel)
		return
	}

	var handle channel.MessageHandle
	err := g.withDeliveryRetry(ctx, func() error {
		var derr error
		handle, derr = deliverer.Deliver(req.ChatID, progressText)
		return derr
	})
	if err != nil {
		log.Printf("[gateway] deliver progress message to %s failed: %v", req.ChatID, err)
		return
	}

	result, err := g.orchestrator.Summarize(ctx, conversationKey(req.Channel, req.ChatID), period)

	text := ""
	switch {
	case errors.Is(err, summarize.ErrNoData):
		text = noDataText
	case err != nil:
		// Raw cause already logged by the orchestrator.
		text = failedText
	default:
		text = fmt.Sprintf("Digest for the last %s:\n\n%s", period.Label, result.Text)
	}

	// Edits are capped at the platform message limit; overflow goes out as
	// a follow-up message (the channel chunks it further if needed). The
	// split stays on a rune boundary so neither payload is invalid UTF-8.
	const maxEditLen = 4000
	rest := ""
	if len(text) > maxEditLen {
		cut := maxEditLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text, rest = text[:cut], text[cut:]
	}

	if err := g.withDeliveryRetry(ctx, func() error { return deliverer.Edit(handle, text) }); err != nil {
		log.Printf("[gateway] deliver digest to %s failed: %v", req.ChatID, err)
		return
	}
	if rest != "" {
		g.bus.Outbound <- bus.OutboundMessage{Channel: req.Channel, ChatID: req.ChatID, Content: rest}
	}
}

// withDeliveryRetry retries op on platform rate limiting, waiting the
// provider-specified cooldown each time. The loop is bounded and op must be
// idempotent delivery of already-computed content.
func (g *Gateway) withDeliveryRetry(ctx context.Context, op func() error) error {
	attempts := g.cfg.Summary.DeliveryRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		var rl *channel.RateLimitedError
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = err
		log.Printf("[gateway] delivery rate limited, waiting %s (attempt %d/%d)", rl.RetryAfter, attempt+1, attempts)
		timer := time.NewTimer(rl.RetryAfter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("delivery still rate limited after %d attempts: %w", attempts, lastErr)
}

// runImportJob backfills one chat's trailing window and merges it into the
// store. Dedup by source id makes overlapping runs safe.
func (g *Gateway) runImportJob(job cron.ImportJob) (int, error) {
	if g.importer == nil {
		return 0, fmt.Errorf("no history source configured")
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(job.WindowHours) * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := g.importer.Run(ctx, job.Chat, start, end)
	if err != nil {
		return 0, err
	}
	if result.Partial {
		log.Printf("[gateway] import job %s returned a partial result (%d messages)", job.Name, len(result.Messages))
	}

	key := conversationKey(telegramChannelKey, result.Chat.ID)
	for _, msg := range result.Messages {
		g.store.Append(key, msg)
	}
	return len(result.Messages), nil
}

const telegramChannelKey = "telegram"

func conversationKey(channelName, chatID string) string {
	return channelName + ":" + chatID
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()
	log.Printf("[gateway] shutdown complete")
	return nil
}
