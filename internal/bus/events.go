package bus

import "time"

// InboundMessage is a chat message observed on a channel, destined for the
// conversation store.
type InboundMessage struct {
	Channel    string
	ChatID     string
	SenderID   string
	SenderName string
	Text       string
	Timestamp  time.Time
	SourceID   string
}

// SummaryRequested is emitted when a user asks for a digest of a trailing
// period.
type SummaryRequested struct {
	Channel     string
	ChatID      string
	RequesterID string
	PeriodLabel string
	RequestedAt time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}
