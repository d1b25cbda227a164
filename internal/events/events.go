package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventConversationClassified = "conversation_classified"
	EventDraftCreated           = "draft_created"
	EventDraftReworked          = "draft_reworked"
	EventConversationSent       = "conversation_sent"
	EventConversationArchived   = "conversation_archived"
	EventConversationSkipped    = "conversation_skipped"
	EventFeedPassCompleted      = "feed_pass_completed"
)

// ConversationEventPayload is the minimal conversation snapshot for
// event consumers.
type ConversationEventPayload struct {
	AccountID      int64  `json:"account_id"`
	ThreadID       string `json:"thread_id"`
	MessageID      string `json:"message_id,omitempty"`
	Status         string `json:"status"`
	Classification string `json:"classification,omitempty"`
	DraftID        string `json:"draft_id,omitempty"`
	ReworkCount    int    `json:"rework_count,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

// FeedPassPayload summarizes one change feed pass.
type FeedPassPayload struct {
	AccountID int64  `json:"account_id"`
	PassID    string `json:"pass_id"`
	Mode      string `json:"mode"`
	Enqueued  int    `json:"enqueued"`
	Skipped   int    `json:"skipped"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
