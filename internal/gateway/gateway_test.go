package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
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

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string, sampling backend.SamplingConfig) (string, error) {
	return f.text, f.err
}

// fakeDeliverer records delivery calls and can fail the first N of them
// with a rate limit.
type fakeDeliverer struct {
	mu         sync.Mutex
	delivered  []string
	edits      []string
	failFirst  int
	failWith   error
	editFailed int
}

func (f *fakeDeliverer) Deliver(chatID, text string) (channel.MessageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return channel.MessageHandle{}, f.failWith
	}
	f.delivered = append(f.delivered, text)
	return channel.MessageHandle{ChatID: chatID, MessageID: len(f.delivered)}, nil
}

func (f *fakeDeliverer) Edit(handle channel.MessageHandle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editFailed > 0 {
		f.editFailed--
		return f.failWith
	}
	f.edits = append(f.edits, text)
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Telegram.Token = "test-token"
	cfg.Summary.DeliveryRetries = 3
	return cfg
}

func newTestGateway(t *testing.T, gen backend.Generator, src importer.Source) (*Gateway, *fakeDeliverer) {
	t.Helper()
	prompts := summarize.DefaultPrompts
	g, err := NewWithOptions(testConfig(), Options{
		Generator: gen,
		Source:    src,
		Prompts:   &prompts,
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	d := &fakeDeliverer{}
	g.delivererFor = func(name string) (channel.Deliverer, bool) {
		return d, name == "telegram"
	}
	return g, d
}

func TestProcessLoop_AppendsInbound(t *testing.T) {
	g, _ := newTestGateway(t, &fakeGenerator{text: "d"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.processLoop(ctx)

	g.bus.Inbound <- bus.InboundMessage{
		Channel:   "telegram",
		ChatID:    "100",
		SenderID:  "u1",
		Text:      "hello",
		Timestamp: time.Now().UTC(),
		SourceID:  "tg/100/1",
	}

	deadline := time.Now().Add(time.Second)
	for g.store.Len("telegram:100") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("inbound message never reached the store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func seedChat(g *Gateway, chatID string, n int) {
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		g.store.Append(conversationKey("telegram", chatID), store.Message{
			Timestamp:  now.Add(-time.Duration(i+1) * time.Minute),
			AuthorName: "Alice",
			Text:       "hello",
		})
	}
}

func TestHandleSummaryRequest_HappyPath(t *testing.T) {
	g, d := newTestGateway(t, &fakeGenerator{text: "everyone argued about lunch"}, nil)
	seedChat(g, "100", 3)

	g.handleSummaryRequest(context.Background(), bus.SummaryRequested{
		Channel: "telegram", ChatID: "100", PeriodLabel: "24 hours",
	})

	if len(d.delivered) != 1 || d.delivered[0] != progressText {
		t.Fatalf("delivered = %q, want progress message", d.delivered)
	}
	if len(d.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(d.edits))
	}
	if !strings.Contains(d.edits[0], "everyone argued about lunch") {
		t.Errorf("edit = %q, missing digest text", d.edits[0])
	}
	if !strings.Contains(d.edits[0], "24 hours") {
		t.Errorf("edit = %q, missing period label", d.edits[0])
	}
}

func TestHandleSummaryRequest_EmptyWindow(t *testing.T) {
	g, d := newTestGateway(t, &fakeGenerator{text: "unused"}, nil)

	g.handleSummaryRequest(context.Background(), bus.SummaryRequested{
		Channel: "telegram", ChatID: "100", PeriodLabel: "24 hours",
	})

	if len(d.edits) != 1 || d.edits[0] != noDataText {
		t.Errorf("edits = %q, want %q", d.edits, noDataText)
	}
}

func TestHandleSummaryRequest_GenerationFailure(t *testing.T) {
	g, d := newTestGateway(t, &fakeGenerator{err: errors.New("backend down")}, nil)
	seedChat(g, "100", 2)

	g.handleSummaryRequest(context.Background(), bus.SummaryRequested{
		Channel: "telegram", ChatID: "100", PeriodLabel: "24 hours",
	})

	if len(d.edits) != 1 || d.edits[0] != failedText {
		t.Errorf("edits = %q, want %q", d.edits, failedText)
	}
}

func TestHandleSummaryRequest_UnknownPeriod(t *testing.T) {
	g, d := newTestGateway(t, &fakeGenerator{text: "d"}, nil)
	seedChat(g, "100", 2)

	g.handleSummaryRequest(context.Background(), bus.SummaryRequested{
		Channel: "telegram", ChatID: "100", PeriodLabel: "2 months",
	})

	if len(d.delivered) != 0 {
		t.Errorf("unknown period still delivered %q", d.delivered)
	}
}

func TestHandleSummaryRequest_LongDigestOverflows(t *testing.T) {
	// Two-byte Cyrillic text makes the overflow cut land mid-rune unless
	// the split backs off to a boundary.
	g, d := newTestGateway(t, &fakeGenerator{text: strings.Repeat("ы", 3000)}, nil)
	seedChat(g, "100", 2)

	g.handleSummaryRequest(context.Background(), bus.SummaryRequested{
		Channel: "telegram", ChatID: "100", PeriodLabel: "24 hours",
	})

	if len(d.edits) != 1 || len(d.edits[0]) > 4000 {
		t.Fatalf("edit length = %d, want <= 4000", len(d.edits[0]))
	}
	if !utf8.ValidString(d.edits[0]) {
		t.Error("edited digest is invalid UTF-8 at the overflow cut")
	}
	select {
	case msg := <-g.bus.Outbound:
		if msg.ChatID != "100" || msg.Content == "" {
			t.Errorf("overflow message = %+v", msg)
		}
		if !utf8.ValidString(msg.Content) {
			t.Error("overflow remainder is invalid UTF-8")
		}
	default:
		t.Error("overflow not routed to outbound")
	}
}

func TestWithDeliveryRetry_RecoversFromRateLimit(t *testing.T) {
	g, d := newTestGateway(t, &fakeGenerator{text: "digest"}, nil)
	seedChat(g, "100", 2)
	d.failFirst = 2
	d.failWith = &channel.RateLimitedError{RetryAfter: time.Millisecond}

	g.handleSummaryRequest(context.Background(), bus.SummaryRequested{
		Channel: "telegram", ChatID: "100", PeriodLabel: "24 hours",
	})

	if len(d.delivered) != 1 {
		t.Errorf("delivered %d times after retries, want 1", len(d.delivered))
	}
	if len(d.edits) != 1 {
		t.Errorf("digest never delivered after recovery")
	}
}

func TestWithDeliveryRetry_BoundedAttempts(t *testing.T) {
	g, _ := newTestGateway(t, &fakeGenerator{text: "digest"}, nil)

	calls := 0
	err := g.withDeliveryRetry(context.Background(), func() error {
		calls++
		return &channel.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != g.cfg.Summary.DeliveryRetries {
		t.Errorf("op called %d times, want %d", calls, g.cfg.Summary.DeliveryRetries)
	}
}

func TestWithDeliveryRetry_NonRateLimitIsImmediate(t *testing.T) {
	g, _ := newTestGateway(t, &fakeGenerator{text: "digest"}, nil)

	calls := 0
	err := g.withDeliveryRetry(context.Background(), func() error {
		calls++
		return errors.New("chat not found")
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v after %d calls, want immediate failure", err, calls)
	}
}

// scriptedSource serves one fixed page for import job tests.
type scriptedSource struct {
	msgs []importer.RawMessage
}

func (s *scriptedSource) ResolveChat(ctx context.Context, handle string) (importer.ChatRef, error) {
	return importer.ChatRef{ID: "100", Title: "Test"}, nil
}

func (s *scriptedSource) FetchPage(ctx context.Context, ref importer.ChatRef, offsetID int64, limit int, start, end time.Time) (importer.Page, error) {
	return importer.Page{Messages: s.msgs}, nil
}

func (s *scriptedSource) ResolveSenders(ctx context.Context, ids []string) (map[string]importer.SenderInfo, error) {
	return map[string]importer.SenderInfo{"u1": {FirstName: "Alice"}}, nil
}

func TestRunImportJob_MergesIntoStore(t *testing.T) {
	now := time.Now().UTC()
	src := &scriptedSource{msgs: []importer.RawMessage{
		{ID: 2, SenderID: "u1", Timestamp: now.Add(-time.Hour), Text: "newer"},
		{ID: 1, SenderID: "u1", Timestamp: now.Add(-2 * time.Hour), Text: "older"},
	}}
	g, _ := newTestGateway(t, &fakeGenerator{text: "d"}, src)

	count, err := g.runImportJob(cron.ImportJob{Name: "nightly", Chat: "@chat", WindowHours: 24})
	if err != nil {
		t.Fatalf("runImportJob: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if got := g.store.Len("telegram:100"); got != 2 {
		t.Errorf("store has %d messages, want 2", got)
	}

	// Rerun is idempotent: dedup by source id.
	if _, err := g.runImportJob(cron.ImportJob{Name: "nightly", Chat: "@chat", WindowHours: 24}); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got := g.store.Len("telegram:100"); got != 2 {
		t.Errorf("store has %d messages after rerun, want 2", got)
	}
}

func TestRunImportJob_NoSourceConfigured(t *testing.T) {
	g, _ := newTestGateway(t, &fakeGenerator{text: "d"}, nil)

	if _, err := g.runImportJob(cron.ImportJob{Chat: "@chat", WindowHours: 24}); err == nil {
		t.Error("expected error without a history source")
	}
}
