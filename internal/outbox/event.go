package outbox

import "time"

type EventID string

type ConversationID string

// Conversation is the parent context of captured events. Name is the
// natural key for upsert; ID is generated once and stable after that.
type Conversation struct {
	ID          ConversationID
	Name        string
	LastEventAt time.Time
	Preview     string
	Unread      int
	CreatedAt   time.Time
}

// Event is one captured notification. Its delivery state moves from
// undelivered through zero or more retry increments to at most one
// delivered transition; retention eventually removes the row either
// way.
type Event struct {
	ID             EventID
	ConversationID ConversationID
	CreatedAt      time.Time
	Sender         string
	Body           string
	RawPayload     []byte
	Self           bool

	Delivered   bool
	DeliveredAt *time.Time
	RetryCount  int
}
