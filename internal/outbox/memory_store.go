package outbox

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaymsg/internal/clock"
)

// MemoryStore is a non-durable EventStore with the same semantics as
// the SQLite backend. Used by tests and the memory:// profile.
type MemoryStore struct {
	clock clock.Clock

	mu            sync.Mutex
	conversations map[ConversationID]*Conversation
	byName        map[string]ConversationID
	events        map[EventID]*Event
	order         []EventID // insertion order, oldest first
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:         clk,
		conversations: map[ConversationID]*Conversation{},
		byName:        map[string]ConversationID{},
		events:        map[EventID]*Event{},
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) AppendEvent(_ context.Context, in AppendInput) (EventID, error) {
	name := strings.TrimSpace(in.ConversationName)
	if name == "" || strings.TrimSpace(in.Sender) == "" {
		return "", ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	unreadDelta := 1
	if in.Self {
		unreadDelta = 0
	}

	conversationID, ok := s.byName[name]
	if !ok {
		conversationID = ConversationID(uuid.NewString())
		s.byName[name] = conversationID
		s.conversations[conversationID] = &Conversation{
			ID:        conversationID,
			Name:      name,
			CreatedAt: now,
		}
	}
	conversation := s.conversations[conversationID]
	conversation.LastEventAt = now
	conversation.Preview = in.Body
	conversation.Unread += unreadDelta

	eventID := EventID(uuid.NewString())
	var raw []byte
	if len(in.RawPayload) > 0 {
		raw = append([]byte(nil), in.RawPayload...)
	}
	s.events[eventID] = &Event{
		ID:             eventID,
		ConversationID: conversationID,
		CreatedAt:      now,
		Sender:         in.Sender,
		Body:           in.Body,
		RawPayload:     raw,
		Self:           in.Self,
	}
	s.order = append(s.order, eventID)
	return eventID, nil
}

func (s *MemoryStore) ListUndelivered(_ context.Context, maxRetry, limit int) ([]Event, error) {
	if maxRetry <= 0 || limit <= 0 {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, id := range s.order {
		event, ok := s.events[id]
		if !ok || event.Delivered || event.RetryCount >= maxRetry {
			continue
		}
		out = append(out, *event)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id EventID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if event.Delivered {
		return nil
	}
	deliveredAt := at.UTC()
	event.Delivered = true
	event.DeliveredAt = &deliveredAt
	return nil
}

func (s *MemoryStore) IncrementRetry(_ context.Context, id EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if event.Delivered {
		return nil
	}
	event.RetryCount++
	return nil
}

func (s *MemoryStore) DeleteDeliveredOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteOlderThan(cutoff, true), nil
}

func (s *MemoryStore) DeleteAnyOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteOlderThan(cutoff, false), nil
}

func (s *MemoryStore) deleteOlderThan(cutoff time.Time, deliveredOnly bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	var remaining []EventID
	for _, id := range s.order {
		event, ok := s.events[id]
		if !ok {
			continue
		}
		old := event.CreatedAt.Before(cutoff.UTC())
		if old && (!deliveredOnly || event.Delivered) {
			delete(s.events, id)
			removed++
			continue
		}
		remaining = append(remaining, id)
	}
	s.order = remaining

	inUse := map[ConversationID]bool{}
	for _, event := range s.events {
		inUse[event.ConversationID] = true
	}
	for id, conversation := range s.conversations {
		if !inUse[id] {
			delete(s.byName, conversation.Name)
			delete(s.conversations, id)
		}
	}
	return removed
}

func (s *MemoryStore) CountDelivered(_ context.Context) (int64, error) {
	return s.count(true), nil
}

func (s *MemoryStore) CountUndelivered(_ context.Context) (int64, error) {
	return s.count(false), nil
}

func (s *MemoryStore) count(delivered bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, event := range s.events {
		if event.Delivered == delivered {
			count++
		}
	}
	return count
}

func (s *MemoryStore) Conversations(_ context.Context) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, conversation := range s.conversations {
		out = append(out, *conversation)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastEventAt.After(out[j].LastEventAt)
	})
	return out, nil
}

func (s *MemoryStore) ConversationName(_ context.Context, id ConversationID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return "", ErrNotFound
	}
	return conversation.Name, nil
}

func (s *MemoryStore) EventsByConversation(_ context.Context, id ConversationID, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		event, ok := s.events[s.order[i]]
		if !ok || event.ConversationID != id {
			continue
		}
		out = append(out, *event)
	}
	return out, nil
}

func (s *MemoryStore) MarkConversationRead(_ context.Context, id ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conversation.Unread = 0
	return nil
}
