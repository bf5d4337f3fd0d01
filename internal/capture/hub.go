package capture

import (
	"sync"
	"time"

	"github.com/agentworkforce/relaymsg/internal/outbox"
)

// Notice is the fan-out form of a freshly captured event, consumed by
// stream subscribers. It carries display fields only; the durable
// record lives in the store.
type Notice struct {
	EventID          outbox.EventID `json:"event_id"`
	ConversationName string         `json:"conversation"`
	Sender           string         `json:"sender"`
	Body             string         `json:"body"`
	Self             bool           `json:"self"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Hub fans captured events out to live subscribers. Delivery is
// best-effort: a subscriber that falls behind its buffer loses
// notices rather than blocking ingestion.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Notice]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: map[chan Notice]struct{}{}}
}

func (h *Hub) Publish(notice Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for subscriber := range h.subscribers {
		select {
		case subscriber <- notice:
		default:
		}
	}
}

// Subscribe registers a listener. The returned cancel func must be
// called to release it; the channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan Notice, func()) {
	channel := make(chan Notice, 16)
	h.mu.Lock()
	h.subscribers[channel] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, channel)
			h.mu.Unlock()
			close(channel)
		})
	}
	return channel, cancel
}
