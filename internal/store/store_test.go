package store

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func msgAt(ts time.Time, author, text, sourceID string) Message {
	return Message{Timestamp: ts, AuthorID: author, AuthorName: author, Text: text, SourceID: sourceID}
}

func TestAppend_KeepsArrivalOrder(t *testing.T) {
	s := New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		s.Append("chat", msgAt(base.Add(time.Duration(i)*time.Minute), "a", fmt.Sprintf("m%d", i), ""))
	}

	got := s.QueryWindow("chat", base)
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("messages out of order at %d", i)
		}
	}
}

func TestAppend_MergeInsertOutOfOrder(t *testing.T) {
	s := New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.Append("chat", msgAt(base.Add(10*time.Minute), "a", "later", ""))
	s.Append("chat", msgAt(base.Add(20*time.Minute), "a", "latest", ""))
	// Imported history lands behind the live messages.
	s.Append("chat", msgAt(base, "a", "earliest", "imp/1"))
	s.Append("chat", msgAt(base.Add(15*time.Minute), "a", "middle", "imp/2"))

	got := s.QueryWindow("chat", base)
	want := []string{"earliest", "later", "middle", "latest"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("position %d = %q, want %q", i, got[i].Text, w)
		}
	}
}

func TestAppend_DuplicateSourceIDIsNoOp(t *testing.T) {
	s := New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.Append("chat", msgAt(base, "a", "live copy", "tg/1/42"))
	s.Append("chat", msgAt(base.Add(time.Minute), "b", "other", "tg/1/43"))
	s.Append("chat", msgAt(base, "a", "imported copy", "tg/1/42"))

	if n := s.Len("chat"); n != 2 {
		t.Fatalf("Len = %d, want 2 after duplicate append", n)
	}
	got := s.QueryWindow("chat", base)
	if got[0].Text != "live copy" {
		t.Errorf("first message = %q, want original to win", got[0].Text)
	}
}

func TestAppend_EmptySourceIDNeverDedups(t *testing.T) {
	s := New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.Append("chat", msgAt(base, "a", "one", ""))
	s.Append("chat", msgAt(base, "a", "one", ""))

	if n := s.Len("chat"); n != 2 {
		t.Errorf("Len = %d, want 2 (no dedup without source id)", n)
	}
}

func TestQueryWindow_TrailingPeriodScenario(t *testing.T) {
	s := New()
	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	s.Append("chat", msgAt(now.Add(-25*time.Hour), "a", "too old", ""))
	s.Append("chat", msgAt(now.Add(-10*time.Hour), "b", "in window", ""))
	s.Append("chat", msgAt(now.Add(-1*time.Hour), "c", "recent", ""))

	got := s.QueryWindow("chat", now.Add(-24*time.Hour))
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].Text != "in window" || got[1].Text != "recent" {
		t.Errorf("window = [%q, %q], want chronological in-window messages", got[0].Text, got[1].Text)
	}
}

func TestQueryWindow_UnknownChatIsEmpty(t *testing.T) {
	s := New()
	if got := s.QueryWindow("nope", time.Now()); len(got) != 0 {
		t.Errorf("got %d messages for unknown chat, want 0", len(got))
	}
}

func TestQueryWindow_CutoffIsInclusive(t *testing.T) {
	s := New()
	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s.Append("chat", msgAt(cutoff.Add(-time.Second), "a", "before", ""))
	s.Append("chat", msgAt(cutoff, "a", "exact", ""))

	got := s.QueryWindow("chat", cutoff)
	if len(got) != 1 || got[0].Text != "exact" {
		t.Errorf("got %v, want only the message at the cutoff", got)
	}
}

func TestQueryWindow_SnapshotIsStable(t *testing.T) {
	s := New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Append("chat", msgAt(base, "a", "first", ""))

	snap := s.QueryWindow("chat", base)
	s.Append("chat", msgAt(base.Add(time.Minute), "a", "second", ""))

	if len(snap) != 1 {
		t.Errorf("snapshot grew after concurrent append: %d", len(snap))
	}
}

func TestStore_ConcurrentAppendAndRead(t *testing.T) {
	s := New()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append("chat", msgAt(base.Add(time.Duration(i)*time.Second), "a", "x", fmt.Sprintf("w%d/%d", w, i)))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				msgs := s.QueryWindow("chat", base)
				for j := 1; j < len(msgs); j++ {
					if msgs[j].Timestamp.Before(msgs[j-1].Timestamp) {
						t.Errorf("snapshot out of order")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if n := s.Len("chat"); n != 400 {
		t.Errorf("Len = %d, want 400", n)
	}
}
