// ABOUTME: Conversation service and AI orchestrator state machine
// ABOUTME: Persists messages first, then broadcasts and drives generation

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/modelkey"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
)

// ErrNotParticipant is returned when an identity acts on a conversation it
// does not belong to.
var ErrNotParticipant = errors.New("not a participant in this conversation")

// ErrGenerationInFlight is returned when a message arrives for an AI
// conversation that is still awaiting a response. One generation at a time.
var ErrGenerationInFlight = errors.New("a response is already being generated")

// ErrModelNotUsable is returned when a customer starts a conversation with a
// hidden model.
var ErrModelNotUsable = errors.New("model is not available")

// persistTimeout bounds background persistence so an in-flight generation
// outliving the request still gets recorded.
const persistTimeout = 5 * time.Second

// historyWindow is how many messages are replayed to the backend per
// generation call.
const historyWindow = 50

// Conversation states for user-to-ia conversations.
const (
	stateIdle     = "idle"
	stateAwaiting = "awaiting_response"
)

// Service owns conversations and messages and drives AI turns. All writes
// go to the store before any event is broadcast, so a crash between the two
// loses notifications, never data.
type Service struct {
	store       store.Store
	registry    *provider.Registry
	keys        *modelkey.Service
	broadcaster *Broadcaster
	logger      *slog.Logger

	// Tool specs offered to tool-capable models. Static per deployment.
	tools []provider.ToolSpec

	mu     sync.Mutex
	states map[string]string // conversationID -> state, user-to-ia only

	// deliverMu serializes the persist->publish window so subscribers on a
	// topic observe messages in insertion order even under concurrent sends.
	deliverMu sync.Mutex

	wg sync.WaitGroup
}

// NewService creates a conversation service.
func NewService(st store.Store, registry *provider.Registry, keys *modelkey.Service, broadcaster *Broadcaster, tools []provider.ToolSpec, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		registry:    registry,
		keys:        keys,
		broadcaster: broadcaster,
		tools:       tools,
		logger:      logger.With("component", "conversation"),
		states:      make(map[string]string),
	}
}

// Wait blocks until all in-flight generations have finished. Used on
// shutdown so responses already being generated still get persisted.
func (s *Service) Wait() {
	s.wg.Wait()
}

// StartAIConversation returns the customer's resumable conversation with the
// given model, creating one if none exists. One live AI conversation per
// (customer, model): picking a different model starts a fresh thread instead
// of rewriting history.
func (s *Service) StartAIConversation(ctx context.Context, identity *auth.Identity, modelID string) (*store.Conversation, error) {
	model, err := s.store.GetAIModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("looking up model: %w", err)
	}
	if model.Visibility != "public" && !identity.IsAdmin() {
		return nil, fmt.Errorf("%w: %s", ErrModelNotUsable, modelID)
	}

	existing, err := s.store.LatestAIConversation(ctx, identity.UserID, modelID)
	if err == nil && existing.Kind == store.KindUserToIA {
		return existing, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:         uuid.New().String(),
		Kind:       store.KindUserToIA,
		CustomerID: identity.UserID,
		ModelID:    modelID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("ai conversation started",
		"conversation_id", conv.ID,
		"customer_id", identity.UserID,
		"model_id", modelID)
	return conv, nil
}

// StartDirectConversation creates a user-to-user conversation.
func (s *Service) StartDirectConversation(ctx context.Context, identity *auth.Identity, peerUserID string) (*store.Conversation, error) {
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:         uuid.New().String(),
		Kind:       store.KindUserToUser,
		CustomerID: identity.UserID,
		PeerUserID: peerUserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}

// Get returns a conversation the identity participates in.
func (s *Service) Get(ctx context.Context, identity *auth.Identity, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !s.isParticipant(identity, conv) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, conversationID)
	}
	return conv, nil
}

// List returns the caller's conversations, newest activity first.
func (s *Service) List(ctx context.Context, identity *auth.Identity, limit int) ([]*store.Conversation, error) {
	if identity.IsAgent() {
		return s.store.ListConversationsForAgent(ctx, identity.UserID, limit)
	}
	return s.store.ListConversationsForUser(ctx, identity.UserID, limit)
}

// History returns the ordered message history of a conversation the
// identity participates in, and clears the caller's unread counter.
func (s *Service) History(ctx context.Context, identity *auth.Identity, conversationID string, limit int) ([]*store.Message, error) {
	conv, err := s.Get(ctx, identity, conversationID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}

	customerSide := identity.UserID == conv.CustomerID
	if err := s.store.ResetUnread(ctx, conversationID, customerSide); err != nil {
		s.logger.Warn("resetting unread failed", "conversation_id", conversationID, "error", err)
	}
	return msgs, nil
}

// SendMessage appends a message from the identity and fans it out. For AI
// conversations the send also triggers a generation turn; a second send
// while one is in flight is rejected rather than silently queued. An
// escalated conversation is waiting for a human, so messages still persist
// and fan out (including to the agent pool) but no generation starts.
func (s *Service) SendMessage(ctx context.Context, identity *auth.Identity, conversationID, content string) (*store.Message, error) {
	conv, err := s.Get(ctx, identity, conversationID)
	if err != nil {
		return nil, err
	}

	isAI := conv.Kind == store.KindUserToIA && !conv.IsEscalated()
	if isAI {
		if !s.tryBeginGeneration(conversationID) {
			return nil, fmt.Errorf("%w: %s", ErrGenerationInFlight, conversationID)
		}
	}

	senderKind := store.SenderUser
	if identity.IsAgent() && identity.UserID != conv.CustomerID {
		senderKind = store.SenderAgent
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       identity.UserID,
		SenderKind:     senderKind,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	// Record first, then act
	if err := s.deliver(conv, msg); err != nil {
		if isAI {
			s.endGeneration(conversationID)
		}
		return nil, err
	}

	if isAI {
		s.wg.Add(1)
		go s.generate(conv)
	}

	return msg, nil
}

// Typing relays an ephemeral typing signal to the other participants. Never
// persisted.
func (s *Service) Typing(ctx context.Context, identity *auth.Identity, conversationID string, active bool) error {
	conv, err := s.Get(ctx, identity, conversationID)
	if err != nil {
		return err
	}

	event := NewEvent(EventTyping, conversationID)
	event.SenderID = identity.UserID
	event.Payload = map[string]any{"active": active}

	for _, topic := range s.participantTopics(conv) {
		if topic == UserTopic(identity.UserID) {
			continue
		}
		s.broadcaster.Publish(topic, event, "")
	}
	return nil
}

// generate runs one AI turn: replay ordered history, call the backend,
// persist the single assistant message, then broadcast. Runs detached from
// the originating request so a disconnect does not abort the turn.
func (s *Service) generate(conv *store.Conversation) {
	defer s.wg.Done()
	defer s.endGeneration(conv.ID)

	logger := s.logger.With("conversation_id", conv.ID, "model_id", conv.ModelID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	model, err := s.store.GetAIModel(ctx, conv.ModelID)
	if err != nil {
		s.failGeneration(conv, fmt.Errorf("looking up model: %w", err))
		return
	}

	secret, _, err := s.keys.ResolveCredential(ctx, model)
	if err != nil {
		s.failGeneration(conv, err)
		return
	}

	gen, err := s.registry.ForKind(model.Provider, secret)
	if err != nil {
		s.failGeneration(conv, err)
		return
	}

	history, err := s.store.ListMessages(ctx, conv.ID, historyWindow)
	if err != nil {
		s.failGeneration(conv, fmt.Errorf("loading history: %w", err))
		return
	}

	req := &provider.GenerateRequest{
		Model:        model.Model,
		SystemPrompt: model.SystemPrompt,
		Turns:        turnsFromHistory(history),
	}
	if model.SupportsTools {
		req.Options.Tools = s.tools
	}

	result, err := gen.Generate(ctx, req)
	if err != nil {
		logger.Warn("generation failed", "error", err)
		s.failGeneration(conv, err)
		return
	}

	reply := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       store.AssistantSender,
		SenderKind:     store.SenderAssistant,
		Content:        result.Content,
		CreatedAt:      time.Now().UTC(),
	}
	if len(result.ToolCalls) > 0 {
		encoded, err := json.Marshal(result.ToolCalls)
		if err != nil {
			s.failGeneration(conv, fmt.Errorf("encoding tool calls: %w", err))
			return
		}
		reply.ToolCallsJSON = string(encoded)
	}

	if err := s.deliver(conv, reply); err != nil {
		logger.Error("persisting assistant message failed", "error", err)
		s.failGeneration(conv, err)
		return
	}

	// Accounting is best effort and must not outlive-block the turn
	usageCtx, usageCancel := context.WithTimeout(context.Background(), persistTimeout)
	defer usageCancel()
	s.keys.RecordUsage(usageCtx, model, result.Usage)

	logger.Info("assistant reply delivered",
		"message_id", reply.ID,
		"tool_calls", len(result.ToolCalls),
		"total_units", result.Usage.TotalUnits)
}

// failGeneration notifies the customer that no reply is coming. No
// assistant message is written for a failed turn.
func (s *Service) failGeneration(conv *store.Conversation, cause error) {
	event := NewEvent(EventError, conv.ID)
	event.Payload = map[string]any{"error": publicError(cause)}
	s.broadcaster.Publish(UserTopic(conv.CustomerID), event, "")
}

// deliver persists a message and fans it out under the delivery lock.
// Holding the lock across both steps keeps broadcast order identical to
// insertion order when senders race on the same conversation.
func (s *Service) deliver(conv *store.Conversation, msg *store.Message) error {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if err := s.persistMessage(msg); err != nil {
		return err
	}
	s.bumpUnread(conv, msg.SenderID)
	s.broadcastMessage(conv, msg)
	return nil
}

// persistMessage writes on a background timeout context so persistence
// survives cancellation of whatever request started it.
func (s *Service) persistMessage(msg *store.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// bumpUnread increments the unread counter of whichever side did not send.
func (s *Service) bumpUnread(conv *store.Conversation, senderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	customerSide := senderID != conv.CustomerID
	if err := s.store.IncrementUnread(ctx, conv.ID, customerSide); err != nil {
		s.logger.Warn("incrementing unread failed", "conversation_id", conv.ID, "error", err)
	}
}

// broadcastMessage fans a persisted message out to every participant topic.
func (s *Service) broadcastMessage(conv *store.Conversation, msg *store.Message) {
	event := NewEvent(EventMessage, conv.ID)
	event.SenderID = msg.SenderID
	event.Message = msg

	for _, topic := range s.participantTopics(conv) {
		s.broadcaster.Publish(topic, event, "")
	}
}

// participantTopics lists the delivery topics for a conversation: the
// customer, the human peer or claimed agent, and the agent pool while an
// escalation sits unclaimed.
func (s *Service) participantTopics(conv *store.Conversation) []string {
	topics := []string{UserTopic(conv.CustomerID)}
	if conv.PeerUserID != "" {
		topics = append(topics, UserTopic(conv.PeerUserID))
	}
	if conv.AgentID != "" {
		topics = append(topics, UserTopic(conv.AgentID))
	}
	if conv.IsEscalated() && conv.AgentID == "" {
		topics = append(topics, AgentPoolTopic)
	}
	return topics
}

// isParticipant reports whether the identity may read and write this
// conversation. Admins see everything; agents see unclaimed escalations so
// they can triage before claiming.
func (s *Service) isParticipant(identity *auth.Identity, conv *store.Conversation) bool {
	if identity.IsAdmin() {
		return true
	}
	switch identity.UserID {
	case conv.CustomerID, conv.PeerUserID:
		return true
	}
	if conv.AgentID != "" {
		return identity.UserID == conv.AgentID
	}
	return identity.IsAgent() && conv.IsEscalated()
}

// tryBeginGeneration transitions idle -> awaiting_response. Returns false
// when a generation is already in flight.
func (s *Service) tryBeginGeneration(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[conversationID] == stateAwaiting {
		return false
	}
	s.states[conversationID] = stateAwaiting
	return true
}

// endGeneration returns the conversation to idle.
func (s *Service) endGeneration(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, conversationID)
}

// turnsFromHistory maps persisted messages onto backend turns, preserving
// the (created_at, seq) order the store already guarantees.
func turnsFromHistory(msgs []*store.Message) []provider.Turn {
	turns := make([]provider.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := provider.RoleUser
		if m.SenderKind == store.SenderAssistant {
			role = provider.RoleAssistant
		}
		turns = append(turns, provider.Turn{Role: role, Content: m.Content})
	}
	return turns
}

// publicError reduces an internal error to something safe to push to a
// client.
func publicError(err error) string {
	switch {
	case errors.Is(err, provider.ErrUpstream):
		return "the model backend is unavailable right now"
	case errors.Is(err, modelkey.ErrCredentialRequired):
		return "this model is not fully configured"
	default:
		return "could not generate a response"
	}
}
