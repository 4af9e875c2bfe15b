package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/lumeos/chatdigest/internal/bus"
)

// Channel is one chat platform connection.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// MessageHandle identifies a delivered message so it can be edited later.
type MessageHandle struct {
	ChatID    string
	MessageID int
}

// Deliverer is the progress-message flow: deliver a status message, then
// edit the digest into it in place.
type Deliverer interface {
	Deliver(chatID, text string) (MessageHandle, error)
	Edit(handle MessageHandle, text string) error
}

// RateLimitedError reports a platform-side delivery rate limit. Callers
// should wait RetryAfter and retry the same delivery; the content must not
// be recomputed.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// BaseChannel carries the pieces every channel shares: a name, the message
// bus, and an optional sender allow-list.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	var allowed map[string]struct{}
	if len(allowFrom) > 0 {
		allowed = make(map[string]struct{}, len(allowFrom))
		for _, id := range allowFrom {
			allowed[id] = struct{}{}
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (b *BaseChannel) Name() string { return b.name }

// IsAllowed reports whether a sender may use this channel. An empty
// allow-list admits everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if b.allowFrom == nil {
		return true
	}
	_, ok := b.allowFrom[senderID]
	return ok
}
