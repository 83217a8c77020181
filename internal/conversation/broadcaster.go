// ABOUTME: In-memory fan-out broadcaster for real-time delivery events
// ABOUTME: Publishes message, typing, and escalation events per topic

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber. Slow
// consumers past this depth start losing events rather than blocking
// publishers.
const subscriberBufferSize = 64

// Event types carried over the delivery layer.
const (
	EventMessage    = "new-message"
	EventTyping     = "typing-state"
	EventEscalation = "escalation-notice"
	EventClaim      = "claim-outcome"
	EventError      = "error-notice"
)

// AgentPoolTopic is the shared topic every connected agent subscribes to.
// Escalation notices and claim withdrawals fan out here.
const AgentPoolTopic = "agents"

// UserTopic returns the per-identity topic a user's connections subscribe to.
func UserTopic(userID string) string {
	return "user:" + userID
}

// Event is one real-time notification pushed to connected clients.
// Message is set for EventMessage; Payload carries type-specific extras.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	SenderID       string         `json:"sender_id,omitempty"`
	Message        *store.Message `json:"message,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType, conversationID string) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	}
}

// Broadcaster provides in-memory pub/sub for delivery events. Subscribers
// register for a topic (a user identity or the agent pool) and receive
// events as they are published. This enables push delivery without polling.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // topic -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given topic. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given topic. If
// excludeSubID is non-empty, that subscriber is skipped (used to avoid
// echoing events back to the originating connection).
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(topic string, event *Event, excludeSubID string) {
	b.mu.RLock()
	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan *Event, 0, len(subs))
	for id, ch := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber channel full — drop event for this subscriber
			b.logger.Debug("dropped event for slow subscriber",
				"topic", topic,
				"event_id", event.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty topic entries
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("broadcaster closed")
}
