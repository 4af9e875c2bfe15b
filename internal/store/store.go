package store

import (
	"sort"
	"sync"
	"time"
)

// Message is one chat message. Immutable once created.
type Message struct {
	Timestamp  time.Time
	AuthorID   string
	AuthorName string
	Text       string
	// SourceID identifies the message at its origin (e.g. a Telegram
	// message id). Used to deduplicate imported history against
	// live-ingested copies. Empty means no dedup key.
	SourceID string
}

// Store holds per-conversation message buffers ordered by timestamp.
// It is the only state shared between live ingestion, the importer and
// concurrent summarize calls, so appends and window queries must be safe
// to interleave. Reads return snapshots.
type Store struct {
	mu      sync.RWMutex
	buffers map[string]*buffer
}

type buffer struct {
	msgs    []Message
	sources map[string]struct{}
}

func New() *Store {
	return &Store{buffers: make(map[string]*buffer)}
}

// Append inserts msg into the conversation's buffer preserving chronological
// order. When msg.SourceID is already present the call is a no-op.
func (s *Store) Append(chatID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[chatID]
	if !ok {
		buf = &buffer{sources: make(map[string]struct{})}
		s.buffers[chatID] = buf
	}

	if msg.SourceID != "" {
		if _, dup := buf.sources[msg.SourceID]; dup {
			return
		}
		buf.sources[msg.SourceID] = struct{}{}
	}

	// Live messages arrive in order, so the common case is a plain append.
	// Imported history can land behind existing messages; merge-insert
	// keeps the buffer sorted. Equal timestamps keep arrival order.
	n := len(buf.msgs)
	if n == 0 || !msg.Timestamp.Before(buf.msgs[n-1].Timestamp) {
		buf.msgs = append(buf.msgs, msg)
		return
	}
	idx := sort.Search(n, func(i int) bool {
		return buf.msgs[i].Timestamp.After(msg.Timestamp)
	})
	buf.msgs = append(buf.msgs, Message{})
	copy(buf.msgs[idx+1:], buf.msgs[idx:])
	buf.msgs[idx] = msg
}

// QueryWindow returns a snapshot of all messages with Timestamp >= cutoff in
// chronological order. An unknown conversation yields an empty result.
func (s *Store) QueryWindow(chatID string, cutoff time.Time) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf, ok := s.buffers[chatID]
	if !ok {
		return nil
	}

	idx := sort.Search(len(buf.msgs), func(i int) bool {
		return !buf.msgs[i].Timestamp.Before(cutoff)
	})
	if idx == len(buf.msgs) {
		return nil
	}

	out := make([]Message, len(buf.msgs)-idx)
	copy(out, buf.msgs[idx:])
	return out
}

// Len reports the number of messages retained for a conversation.
func (s *Store) Len(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.buffers[chatID]
	if !ok {
		return 0
	}
	return len(buf.msgs)
}
