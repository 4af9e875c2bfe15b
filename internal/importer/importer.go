package importer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/lumeos/chatdigest/internal/config"
	"github.com/lumeos/chatdigest/internal/store"
)

// Result is the outcome of one import run. Partial means a page fetch
// failed after its retry and the run kept whatever it had collected; the
// messages present are still complete for the pages that succeeded.
type Result struct {
	Chat     ChatRef
	Messages []store.Message
	Pages    int
	Partial  bool
}

// Importer reconstructs a conversation's history for a bounded window from
// a paginated remote source. Output is chronological and store-compatible;
// merging into a live buffer relies on the store's source-id dedup.
type Importer struct {
	source    Source
	pageSize  int
	pageDelay time.Duration
}

func New(source Source, cfg config.ImporterConfig) *Importer {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = config.DefaultPageSize
	}
	delay := time.Duration(cfg.PageDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = config.DefaultPageDelayMs * time.Millisecond
	}
	return &Importer{source: source, pageSize: pageSize, pageDelay: delay}
}

// Run imports messages with timestamps in [start, end) for the chat named
// by handle. A failed chat resolution aborts the run; a page-fetch failure
// after one retry degrades to a partial result.
func (im *Importer) Run(ctx context.Context, handle string, start, end time.Time) (*Result, error) {
	ref, err := im.source.ResolveChat(ctx, handle)
	if err != nil {
		return nil, &ChatResolutionError{Handle: handle, Err: err}
	}
	log.Printf("[importer] resolved %q -> %s (%s), window [%s, %s)",
		handle, ref.ID, ref.Title, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))

	result := &Result{Chat: ref}
	senderCache := make(map[string]SenderInfo) // scoped to this run
	var offsetID int64

	for {
		if result.Pages > 0 {
			if err := sleepCtx(ctx, im.pageDelay); err != nil {
				return result, err
			}
		}

		page, err := im.fetchPageOnce(ctx, ref, offsetID, start, end)
		if err != nil {
			fetchErr := &RemoteFetchError{OffsetID: offsetID, Err: err}
			log.Printf("[importer] chat=%s: %v, keeping %d messages from %d pages",
				ref.ID, fetchErr, len(result.Messages), result.Pages)
			result.Partial = true
			break
		}
		result.Pages++

		if len(page.Messages) == 0 {
			break
		}

		matched := im.collectPage(ctx, ref, page.Messages, start, end, senderCache, result)

		if len(page.Messages) < im.pageSize {
			// Provider has no further history.
			break
		}
		if matched == 0 && pageOlderThan(page.Messages, start) {
			// Past the window's lower bound; older pages cannot match.
			break
		}

		offsetID = page.NextOffsetID
	}

	sort.SliceStable(result.Messages, func(i, j int) bool {
		return result.Messages[i].Timestamp.Before(result.Messages[j].Timestamp)
	})
	log.Printf("[importer] chat=%s: collected %d messages over %d pages (partial=%v)",
		ref.ID, len(result.Messages), result.Pages, result.Partial)
	return result, nil
}

// fetchPageOnce fetches one page, retrying a single time on error.
func (im *Importer) fetchPageOnce(ctx context.Context, ref ChatRef, offsetID int64, start, end time.Time) (Page, error) {
	page, err := im.source.FetchPage(ctx, ref, offsetID, im.pageSize, start, end)
	if err == nil {
		return page, nil
	}
	log.Printf("[importer] chat=%s: page fetch at offset %d failed, retrying once: %v", ref.ID, offsetID, err)
	if serr := sleepCtx(ctx, im.pageDelay); serr != nil {
		return Page{}, serr
	}
	return im.source.FetchPage(ctx, ref, offsetID, im.pageSize, start, end)
}

// collectPage filters one page to the window, resolves unseen senders in a
// single batch, and appends materialized messages to the result. Returns
// the number of in-window messages.
func (im *Importer) collectPage(ctx context.Context, ref ChatRef, msgs []RawMessage, start, end time.Time, cache map[string]SenderInfo, result *Result) int {
	inWindow := make([]RawMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Timestamp.Before(start) || !m.Timestamp.Before(end) {
			continue
		}
		inWindow = append(inWindow, m)
	}
	if len(inWindow) == 0 {
		return 0
	}

	// Sender resolution is batched per page and cached for the run. A
	// failed batch is non-fatal: those messages go out anonymous.
	var unknown []string
	seen := make(map[string]struct{})
	for _, m := range inWindow {
		if m.SenderID == "" {
			continue
		}
		if _, ok := cache[m.SenderID]; ok {
			continue
		}
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		unknown = append(unknown, m.SenderID)
	}
	if len(unknown) > 0 {
		resolved, err := im.source.ResolveSenders(ctx, unknown)
		if err != nil {
			log.Printf("[importer] chat=%s: could not resolve %d senders, continuing anonymous: %v", ref.ID, len(unknown), err)
		}
		for id, info := range resolved {
			cache[id] = info
		}
	}

	for _, m := range inWindow {
		msg := store.Message{
			Timestamp: m.Timestamp,
			AuthorID:  m.SenderID,
			Text:      m.Text,
			SourceID:  sourceID(ref.ID, m.ID),
		}
		if info, ok := cache[m.SenderID]; ok {
			msg.AuthorName = info.DisplayName()
		}
		result.Messages = append(result.Messages, msg)
	}
	return len(inWindow)
}

func pageOlderThan(msgs []RawMessage, start time.Time) bool {
	for _, m := range msgs {
		if !m.Timestamp.Before(start) {
			return false
		}
	}
	return true
}

func sourceID(chatID string, msgID int64) string {
	return fmt.Sprintf("%s/%d", chatID, msgID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
