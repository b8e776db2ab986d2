package timeline

import (
	"fmt"
	"strings"
	"time"
)

// Sender identifies who authored a message
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// DeliveryStatus tracks a message through the optimistic-send lifecycle
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is a single timeline entry. Timestamp is an ISO-8601 string
// as carried on the wire; use Time() for comparisons.
type Message struct {
	ID             string         `json:"id"`
	Text           string         `json:"text"`
	Sender         Sender         `json:"sender"`
	Timestamp      string         `json:"timestamp"`
	DeliveryStatus DeliveryStatus `json:"delivery_status,omitempty"`
}

// NewLocalMessage creates an optimistic user message with a temporary
// id and pending status, shown before any server confirmation.
func NewLocalMessage(text string, now time.Time) Message {
	return Message{
		ID:             fmt.Sprintf("temp-%d", now.UnixMilli()),
		Text:           text,
		Sender:         SenderUser,
		Timestamp:      now.UTC().Format(time.RFC3339),
		DeliveryStatus: StatusPending,
	}
}

// IsTempID reports whether id is a locally assigned temporary id
func IsTempID(id string) bool {
	return strings.HasPrefix(id, "temp-")
}

// Time parses the message timestamp. Unparseable timestamps yield the
// zero time, which sorts first.
func (m Message) Time() time.Time {
	if t, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
		return t
	}
	// Some gateways send fractional seconds without a zone
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", m.Timestamp); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// NormalizeSender maps server-specific sender discriminators onto the
// canonical sender set. Unrecognized values become bot.
func NormalizeSender(raw string) Sender {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "visitor", "customer", "client":
		return SenderUser
	case "agent", "operator", "human_agent", "staff":
		return SenderAgent
	case "system":
		return SenderSystem
	case "bot", "assistant", "ai":
		return SenderBot
	default:
		return SenderBot
	}
}
