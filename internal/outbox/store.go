package outbox

import (
	"context"
	"time"
)

// AppendInput carries one captured event into the store.
type AppendInput struct {
	ConversationName string
	Sender           string
	Body             string
	RawPayload       []byte
	Self             bool
}

// EventStore is the durable outbox. It is the sole owner of
// conversations and events; all mutation goes through these
// operations. Implementations must serialize conflicting writes to
// the same row while allowing the ingestion path and the sync engine
// to run concurrently.
type EventStore interface {
	// AppendEvent upserts the conversation named in the input and
	// inserts the event in one transaction: a concurrent reader never
	// sees the updated preview without the event row or vice versa.
	// The new event starts undelivered with a zero retry count.
	AppendEvent(ctx context.Context, in AppendInput) (EventID, error)

	// ListUndelivered returns undelivered events with a retry count
	// below maxRetry, oldest first, at most limit. Events at or past
	// maxRetry are never returned again; only retention removes them.
	ListUndelivered(ctx context.Context, maxRetry, limit int) ([]Event, error)

	// MarkDelivered records a successful send. Idempotent: a second
	// call for the same event leaves its state unchanged.
	MarkDelivered(ctx context.Context, id EventID, at time.Time) error

	// IncrementRetry bumps the retry counter by one. No-op when the
	// event is already delivered.
	IncrementRetry(ctx context.Context, id EventID) error

	// DeleteDeliveredOlderThan removes delivered events created
	// before cutoff. DeleteAnyOlderThan removes events created before
	// cutoff regardless of delivery state. Both prune conversations
	// left with no events and report the number of events removed.
	DeleteDeliveredOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAnyOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	CountDelivered(ctx context.Context) (int64, error)
	CountUndelivered(ctx context.Context) (int64, error)

	Conversations(ctx context.Context) ([]Conversation, error)
	ConversationName(ctx context.Context, id ConversationID) (string, error)
	EventsByConversation(ctx context.Context, id ConversationID, limit int) ([]Event, error)
	MarkConversationRead(ctx context.Context, id ConversationID) error

	Close() error
}
