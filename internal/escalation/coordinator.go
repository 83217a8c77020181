// ABOUTME: Escalation coordinator: hand a conversation to the agent pool
// ABOUTME: Claims are first-writer-wins via single conditional updates

package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/store"
)

// ErrAlreadyEscalated is returned when escalating a conversation that is
// already in the agent queue or past it.
var ErrAlreadyEscalated = errors.New("conversation already escalated")

// ErrAlreadyClaimed is returned when a claim loses the race to another agent.
var ErrAlreadyClaimed = errors.New("this chat was just claimed by someone else")

// ErrNotEscalatable is returned when escalating a conversation that is not
// an AI conversation.
var ErrNotEscalatable = errors.New("only ai conversations can be escalated")

// Coordinator moves conversations from AI handling into the human agent
// queue and settles claim races. Both transitions are single conditional
// writes in the store, never read-then-write, so two coordinators on the
// same database agree on exactly one winner.
type Coordinator struct {
	store       store.Store
	broadcaster *conversation.Broadcaster
	logger      *slog.Logger
}

// NewCoordinator creates an escalation coordinator.
func NewCoordinator(st store.Store, broadcaster *conversation.Broadcaster, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:       st,
		broadcaster: broadcaster,
		logger:      logger.With("component", "escalation"),
	}
}

// Escalate puts an AI conversation into the agent queue. Escalating twice
// is a conflict; only the customer (or an admin) may escalate.
func (c *Coordinator) Escalate(ctx context.Context, identity *auth.Identity, conversationID string) (*store.Conversation, error) {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if identity.UserID != conv.CustomerID && !identity.IsAdmin() {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotParticipant, conversationID)
	}
	if conv.Kind != store.KindUserToIA {
		return nil, fmt.Errorf("%w: kind %s", ErrNotEscalatable, conv.Kind)
	}

	if err := c.store.MarkEscalated(ctx, conversationID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyEscalated, conversationID)
		}
		return nil, err
	}

	conv, err = c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	// Notify the pool only after the row carries the escalation
	event := conversation.NewEvent(conversation.EventEscalation, conversationID)
	event.Payload = map[string]any{"customer_id": conv.CustomerID}
	c.broadcaster.Publish(conversation.AgentPoolTopic, event, "")

	c.logger.Info("conversation escalated",
		"conversation_id", conversationID,
		"customer_id", conv.CustomerID)
	return conv, nil
}

// Claim assigns an escalated conversation to the calling agent. Exactly one
// concurrent claimer wins; everyone else gets ErrAlreadyClaimed. The win is
// broadcast to the pool so other agents drop the entry, and to the customer
// so they know a human took over.
func (c *Coordinator) Claim(ctx context.Context, identity *auth.Identity, conversationID string) (*store.Conversation, error) {
	if !identity.IsAgent() {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotParticipant, conversationID)
	}

	err := c.store.ClaimConversation(ctx, conversationID, identity.UserID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrAlreadyClaimed
		}
		return nil, err
	}

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	outcome := conversation.NewEvent(conversation.EventClaim, conversationID)
	outcome.SenderID = identity.UserID
	outcome.Payload = map[string]any{"agent_id": identity.UserID}
	c.broadcaster.Publish(conversation.AgentPoolTopic, outcome, "")
	c.broadcaster.Publish(conversation.UserTopic(conv.CustomerID), outcome, "")

	c.logger.Info("conversation claimed",
		"conversation_id", conversationID,
		"agent_id", identity.UserID)
	return conv, nil
}

// ListPending returns unclaimed escalated conversations, oldest first, for
// agent bootstrap.
func (c *Coordinator) ListPending(ctx context.Context, identity *auth.Identity) ([]*store.Conversation, error) {
	if !identity.IsAgent() {
		return nil, fmt.Errorf("%w: pending queue", conversation.ErrNotParticipant)
	}
	return c.store.ListPendingEscalations(ctx)
}
