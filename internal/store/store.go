// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Conversation, Message, AIModel, APIKey structs and store interfaces

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write loses to a concurrent
// writer (claim races, double escalation).
var ErrConflict = errors.New("conflict")

// ErrKeyInUse is returned when deleting a credential that models still reference
var ErrKeyInUse = errors.New("api key is in use")

// Conversation kinds. The set is closed; anything else is rejected by a
// CHECK constraint.
const (
	KindUserToUser  = "user-to-user"
	KindUserToAgent = "user-to-agent"
	KindUserToIA    = "user-to-ia"
)

// Sender kinds for messages.
const (
	SenderUser      = "user"
	SenderAgent     = "agent"
	SenderAssistant = "assistant"
)

// AssistantSender is the sender id recorded for AI turns.
const AssistantSender = "assistant"

// Conversation represents one conversation between a customer and a peer:
// another user, a support agent, or an AI model.
type Conversation struct {
	ID         string
	Kind       string // KindUserToUser, KindUserToAgent, KindUserToIA
	CustomerID string
	PeerUserID string // set for user-to-user
	AgentID    string // set once claimed / for user-to-agent
	ModelID    string // set for user-to-ia

	Pinned         bool
	AdminNotes     string
	CustomerUnread int
	PeerUnread     int

	EscalatedAt *time.Time
	ClaimedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsEscalated reports whether the conversation sits in the agent queue or
// has already been claimed out of it.
func (c *Conversation) IsEscalated() bool {
	return c.EscalatedAt != nil
}

// Message represents a single message within a conversation. Messages are
// append-only: never mutated or reordered after creation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderKind     string // "user", "agent", "assistant"
	Content        string
	ToolCallsJSON  string // JSON array of tool calls, empty for plain messages
	CreatedAt      time.Time
	Seq            int64 // insertion order, breaks created_at ties
}

// AIModel identifies a usable AI configuration: which backend, which
// upstream model, and how conversations with it should behave.
type AIModel struct {
	ID            string
	Provider      string // provider kind, selects the gateway adapter
	Model         string // upstream model identifier
	SystemPrompt  string
	SupportsTools bool
	Visibility    string // "public" or "admin"
	APIKeyID      *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// APIKey is an encrypted provider credential plus usage metadata.
// SecretEnc holds the vault envelope; the plaintext never touches the store.
type APIKey struct {
	ID          string
	Provider    string
	SecretEnc   string
	Description string
	LastUsedAt  *time.Time
	UsageCount  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KeyUsage is one per-call telemetry row for a credential.
type KeyUsage struct {
	ID              string
	APIKeyID        string
	ModelID         string
	PromptUnits     int64
	CompletionUnits int64
	TotalUnits      int64
	CreatedAt       time.Time
}

// ConversationStore defines conversation and message persistence.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	LatestAIConversation(ctx context.Context, customerID, modelID string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*Conversation, error)
	ListConversationsForAgent(ctx context.Context, agentID string, limit int) ([]*Conversation, error)
	UpdateConversationMeta(ctx context.Context, id string, pinned bool, adminNotes string) error
	IncrementUnread(ctx context.Context, id string, customerSide bool) error
	ResetUnread(ctx context.Context, id string, customerSide bool) error

	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Escalation, implemented as single conditional writes
	MarkEscalated(ctx context.Context, conversationID string, at time.Time) error
	ClaimConversation(ctx context.Context, conversationID, agentID string, at time.Time) error
	ListPendingEscalations(ctx context.Context) ([]*Conversation, error)
}

// ModelStore defines AI model configuration persistence. CRUD is driven by
// the external admin surface; the orchestrator only reads.
type ModelStore interface {
	CreateAIModel(ctx context.Context, model *AIModel) error
	GetAIModel(ctx context.Context, id string) (*AIModel, error)
	ListAIModels(ctx context.Context, includeHidden bool) ([]*AIModel, error)
	UpdateAIModel(ctx context.Context, model *AIModel) error
	DeleteAIModel(ctx context.Context, id string) error
}

// KeyStore defines credential persistence and the transactional
// model-to-key association operations.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, id string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, id string, force bool) error
	ListModelsUsingKey(ctx context.Context, keyID string) ([]string, error)

	// AssociateModelKey and DisassociateModelKey mutate the model's forward
	// reference inside one transaction so the reverse index can never drift.
	AssociateModelKey(ctx context.Context, modelID, keyID string) (*AIModel, error)
	DisassociateModelKey(ctx context.Context, modelID string) (*AIModel, error)

	// TouchAPIKey bumps usage_count/last_used_at and appends a telemetry row.
	TouchAPIKey(ctx context.Context, keyID, modelID string, promptUnits, completionUnits, totalUnits int64) error
	GetKeyUsage(ctx context.Context, keyID string, limit int) ([]*KeyUsage, error)
}

// Store is the full persistence surface. SQLiteStore implements it.
type Store interface {
	ConversationStore
	ModelStore
	KeyStore

	// Close releases any resources held by the store
	Close() error
}
