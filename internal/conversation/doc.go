// Package conversation provides high-level conversation management and the
// AI response orchestrator.
//
// # Overview
//
// The conversation package sits between the HTTP handlers and the provider
// gateway, providing conversation-level abstractions like participant
// access checks, ordered history, unread tracking, and event fan-out.
//
// # Service
//
// The Service coordinates conversation operations:
//
//	svc := conversation.NewService(store, registry, keys, broadcaster, tools, logger)
//
// Key operations:
//
//   - StartAIConversation(ctx, identity, modelID): Resume or create the
//     customer's conversation with a model
//   - SendMessage(ctx, identity, conversationID, content): Append a message
//     and fan it out; triggers a generation turn for AI conversations
//   - History(ctx, identity, conversationID, limit): Ordered message history
//   - Typing(ctx, identity, conversationID, active): Ephemeral typing relay
//
// # Orchestrator
//
// Each user-to-ia conversation runs a small state machine:
//
//	idle -> awaiting_response -> (delivered | failed) -> idle
//
// A send while a generation is in flight is rejected, not queued. On
// success exactly one assistant message is persisted, tool calls included;
// on failure nothing is written and the customer receives an error notice.
// Generation runs detached from the originating request, so a client
// disconnect never aborts a turn that the backend already started. Once a
// conversation is escalated it is waiting for a human: messages still
// persist and fan out, but no generation starts.
//
// # Event Broadcasting
//
// The Broadcaster fans persisted events out to connected clients:
//
//	ch, subID := broadcaster.Subscribe(ctx, conversation.UserTopic(userID))
//
// Topics are per-identity, plus a shared agent pool topic that carries
// escalation notices and claim outcomes. Publishing is non-blocking; slow
// subscribers lose events rather than stalling the sender.
//
// # Ordering
//
// Message history is ordered by (created_at, seq): the creation timestamp
// with insertion order breaking ties, so replies replay to the backend in
// exactly the order they were exchanged. The service holds a delivery lock
// across persist and publish, so the order subscribers observe matches the
// order the store recorded.
package conversation
