// ABOUTME: HTTP API handlers for messages, conversations, and escalations
// ABOUTME: JSON in, JSON out, with sentinel errors mapped to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/escalation"
	"github.com/parleyhq/parley/internal/modelkey"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
)

// defaultListLimit bounds list responses when the client does not ask for a
// specific window.
const defaultListLimit = 50

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// TypingRequest is the JSON request body for POST /api/typing.
type TypingRequest struct {
	ConversationID string `json:"conversation_id"`
	Active         bool   `json:"active"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
// Kind "ia" starts (or resumes) an AI conversation with model_id; kind
// "direct" opens a user-to-user conversation with peer_user_id.
type CreateConversationRequest struct {
	Kind       string `json:"kind"`
	ModelID    string `json:"model_id,omitempty"`
	PeerUserID string `json:"peer_user_id,omitempty"`
}

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	CustomerID     string `json:"customer_id"`
	PeerUserID     string `json:"peer_user_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	ModelID        string `json:"model_id,omitempty"`
	Pinned         bool   `json:"pinned,omitempty"`
	CustomerUnread int    `json:"customer_unread"`
	PeerUnread     int    `json:"peer_unread"`
	Escalated      bool   `json:"escalated"`
	EscalatedAt    string `json:"escalated_at,omitempty"`
	ClaimedAt      string `json:"claimed_at,omitempty"`
	PeerOnline     bool   `json:"peer_online"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// MessageResponse is the JSON shape of a message.
type MessageResponse struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	SenderKind     string          `json:"sender_kind"`
	Content        string          `json:"content"`
	ToolCalls      json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

// ModelResponse is the JSON shape of a usable AI model.
type ModelResponse struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	SupportsTools bool   `json:"supports_tools"`
}

// handleSendMessage handles POST /api/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" || req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id and content are required")
		return
	}

	identity := auth.MustFromContext(r.Context())
	msg, err := g.conversations.SendMessage(r.Context(), identity, req.ConversationID, req.Content)
	if err != nil {
		g.sendError(w, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, messageResponse(msg))
}

// handleTyping handles POST /api/typing.
func (g *Gateway) handleTyping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	identity := auth.MustFromContext(r.Context())
	if err := g.conversations.Typing(r.Context(), identity, req.ConversationID, req.Active); err != nil {
		g.sendError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleConversations handles GET and POST /api/conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListConversations(w, r)
	case http.MethodPost:
		g.handleCreateConversation(w, r)
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity := auth.MustFromContext(r.Context())

	convs, err := g.conversations.List(r.Context(), identity, listLimit(r))
	if err != nil {
		g.sendError(w, err)
		return
	}

	out := make([]ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, g.conversationResponse(identity, conv))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	identity := auth.MustFromContext(r.Context())

	var conv *store.Conversation
	var err error
	switch req.Kind {
	case "ia":
		if req.ModelID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "model_id is required for ia conversations")
			return
		}
		conv, err = g.conversations.StartAIConversation(r.Context(), identity, req.ModelID)
	case "direct":
		if req.PeerUserID == "" {
			g.sendJSONError(w, http.StatusBadRequest, "peer_user_id is required for direct conversations")
			return
		}
		conv, err = g.conversations.StartDirectConversation(r.Context(), identity, req.PeerUserID)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "kind must be \"ia\" or \"direct\"")
		return
	}
	if err != nil {
		g.sendError(w, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, g.conversationResponse(identity, conv))
}

// handleConversationRoutes dispatches /api/conversations/{id}/{action}.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		g.sendJSONError(w, http.StatusNotFound, "conversation id required")
		return
	}
	conversationID := parts[0]

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		g.handleGetConversation(w, r, conversationID)
	case action == "messages" && r.Method == http.MethodGet:
		g.handleConversationMessages(w, r, conversationID)
	case action == "escalate" && r.Method == http.MethodPost:
		g.handleEscalate(w, r, conversationID)
	case action == "claim" && r.Method == http.MethodPost:
		g.handleClaim(w, r, conversationID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown conversation route")
	}
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, conversationID string) {
	identity := auth.MustFromContext(r.Context())

	conv, err := g.conversations.Get(r.Context(), identity, conversationID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.conversationResponse(identity, conv))
}

func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	identity := auth.MustFromContext(r.Context())

	msgs, err := g.conversations.History(r.Context(), identity, conversationID, listLimit(r))
	if err != nil {
		g.sendError(w, err)
		return
	}

	out := make([]MessageResponse, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, messageResponse(msg))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        out,
	})
}

func (g *Gateway) handleEscalate(w http.ResponseWriter, r *http.Request, conversationID string) {
	identity := auth.MustFromContext(r.Context())

	conv, err := g.escalations.Escalate(r.Context(), identity, conversationID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.conversationResponse(identity, conv))
}

func (g *Gateway) handleClaim(w http.ResponseWriter, r *http.Request, conversationID string) {
	identity := auth.MustFromContext(r.Context())

	conv, err := g.escalations.Claim(r.Context(), identity, conversationID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.conversationResponse(identity, conv))
}

// handleListEscalations handles GET /api/escalations (agents only).
func (g *Gateway) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity := auth.MustFromContext(r.Context())
	pending, err := g.escalations.ListPending(r.Context(), identity)
	if err != nil {
		g.sendError(w, err)
		return
	}

	out := make([]ConversationResponse, 0, len(pending))
	for _, conv := range pending {
		out = append(out, g.conversationResponse(identity, conv))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"escalations": out})
}

// handleListModels handles GET /api/models. Customers see public models;
// admins also see hidden ones.
func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	identity := auth.MustFromContext(r.Context())
	models, err := g.store.ListAIModels(r.Context(), identity.IsAdmin())
	if err != nil {
		g.sendError(w, err)
		return
	}

	out := make([]ModelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, ModelResponse{
			ID:            m.ID,
			Provider:      m.Provider,
			Model:         m.Model,
			SupportsTools: m.SupportsTools,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"models": out})
}

// conversationResponse maps a conversation to its JSON shape, marking
// whether the other human participant is currently connected.
func (g *Gateway) conversationResponse(identity *auth.Identity, conv *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:             conv.ID,
		Kind:           conv.Kind,
		CustomerID:     conv.CustomerID,
		PeerUserID:     conv.PeerUserID,
		AgentID:        conv.AgentID,
		ModelID:        conv.ModelID,
		Pinned:         conv.Pinned,
		CustomerUnread: conv.CustomerUnread,
		PeerUnread:     conv.PeerUnread,
		Escalated:      conv.IsEscalated(),
		CreatedAt:      conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      conv.UpdatedAt.Format(time.RFC3339),
	}
	if conv.EscalatedAt != nil {
		resp.EscalatedAt = conv.EscalatedAt.Format(time.RFC3339)
	}
	if conv.ClaimedAt != nil {
		resp.ClaimedAt = conv.ClaimedAt.Format(time.RFC3339)
	}

	peer := conv.PeerUserID
	if identity.UserID != conv.CustomerID {
		peer = conv.CustomerID
	} else if conv.AgentID != "" {
		peer = conv.AgentID
	}
	if peer != "" {
		resp.PeerOnline = g.presence.Online(peer)
	}
	return resp
}

func messageResponse(msg *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderKind:     msg.SenderKind,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339),
	}
	if msg.ToolCallsJSON != "" {
		resp.ToolCalls = json.RawMessage(msg.ToolCallsJSON)
	}
	return resp
}

// listLimit reads the optional ?limit= query parameter.
func listLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	return limit
}

// sendError maps sentinel errors onto HTTP status codes.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, conversation.ErrNotParticipant):
		g.sendJSONError(w, http.StatusForbidden, "not a participant in this conversation")
	case errors.Is(err, conversation.ErrModelNotUsable):
		g.sendJSONError(w, http.StatusNotFound, "model is not available")
	case errors.Is(err, conversation.ErrGenerationInFlight):
		g.sendJSONError(w, http.StatusConflict, "a response is already being generated")
	case errors.Is(err, escalation.ErrAlreadyEscalated):
		g.sendJSONError(w, http.StatusConflict, "conversation already escalated")
	case errors.Is(err, escalation.ErrAlreadyClaimed):
		g.sendJSONError(w, http.StatusConflict, "this chat was just claimed by someone else")
	case errors.Is(err, escalation.ErrNotEscalatable):
		g.sendJSONError(w, http.StatusBadRequest, "only ai conversations can be escalated")
	case errors.Is(err, provider.ErrUnknownProvider):
		g.sendJSONError(w, http.StatusBadRequest, "unknown provider")
	case errors.Is(err, modelkey.ErrCredentialRequired):
		g.sendJSONError(w, http.StatusConflict, "model is not fully configured")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("encoding response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
