package importer

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ChatRef is a resolved handle for a remote conversation.
type ChatRef struct {
	ID    string
	Title string
}

// SenderInfo holds the display attributes of a resolved sender.
type SenderInfo struct {
	Username  string
	FirstName string
	LastName  string
}

// DisplayName picks the best human-readable name from the resolved
// attributes. Empty when nothing was resolved.
func (s SenderInfo) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(s.FirstName) + " " + strings.TrimSpace(s.LastName))
	if name != "" {
		return name
	}
	return s.Username
}

// RawMessage is one message as the remote source reports it, before sender
// attribution.
type RawMessage struct {
	ID        int64
	SenderID  string
	Timestamp time.Time
	Text      string
}

// Page is one fetched slice of remote history. NextOffsetID is the opaque
// cursor for the following page.
type Page struct {
	Messages     []RawMessage
	NextOffsetID int64
}

// Source is the remote history provider. Implementations page backward
// through a conversation's messages using an opaque offset cursor.
type Source interface {
	ResolveChat(ctx context.Context, handle string) (ChatRef, error)
	FetchPage(ctx context.Context, ref ChatRef, offsetID int64, limit int, start, end time.Time) (Page, error)
	// ResolveSenders maps sender ids to display attributes. Partial results
	// are allowed: missing ids simply stay absent from the returned map.
	ResolveSenders(ctx context.Context, ids []string) (map[string]SenderInfo, error)
}

// ChatResolutionError is fatal for an import run: without a resolved chat
// there is nothing to page through.
type ChatResolutionError struct {
	Handle string
	Err    error
}

func (e *ChatResolutionError) Error() string {
	return fmt.Sprintf("resolve chat %q: %v", e.Handle, e.Err)
}

func (e *ChatResolutionError) Unwrap() error { return e.Err }

// RemoteFetchError marks a failed page fetch. After one retry the run
// degrades to a partial result instead of failing outright.
type RemoteFetchError struct {
	OffsetID int64
	Err      error
}

func (e *RemoteFetchError) Error() string {
	return fmt.Sprintf("fetch page at offset %d: %v", e.OffsetID, e.Err)
}

func (e *RemoteFetchError) Unwrap() error { return e.Err }
