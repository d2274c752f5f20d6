package transport

import (
	"context"
	"time"
)

// Target addresses a reply on one channel.
type Target struct {
	Channel string
	// ChatID is the channel-native destination: a Telegram chat id or a
	// WhatsApp address such as "whatsapp:+15551234567".
	ChatID string
	// Via is the channel-side address the inbound message was sent to. The
	// webhook replies from it when no sender is configured.
	Via string
}

// Message is one inbound text fragment.
type Message struct {
	Channel    string
	SenderID   string
	ChatID     string
	Text       string
	MessageID  string
	ReplyTo    Target
	ReceivedAt time.Time
}

// SenderKey identifies the sender across channels. Two channels never share
// a coalescing queue, even for the same person.
func (m Message) SenderKey() string { return m.Channel + ":" + m.SenderID }

type Adapter interface {
	Name() string
	// Start begins delivering inbound messages to out. It returns once the
	// adapter is running; delivery continues until Stop or ctx is done.
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
	Reply(ctx context.Context, to Target, text string) error
}
