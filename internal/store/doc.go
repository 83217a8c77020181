// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with specialized
// interfaces:
//
//   - ConversationStore: Conversations, messages, escalation state
//   - ModelStore: AI model configurations
//   - KeyStore: Encrypted provider credentials and usage telemetry
//
// SQLiteStore implements all interfaces in a single struct, allowing easy
// composition while maintaining clear interface boundaries.
//
// # Data Models
//
//   - Conversation: A dialog between a customer and a user, agent, or AI model
//   - Message: Append-only log entries ordered by (created_at, rowid)
//   - AIModel: Provider kind, upstream model id, system prompt, tool support
//   - APIKey: Encrypted credential plus usage counter and last-used time
//   - KeyUsage: Per-call telemetry rows
//
// # Concurrency
//
// Two operations are deliberately single conditional writes rather than
// read-then-write sequences:
//
//   - MarkEscalated: only transitions an unescalated user-to-ia conversation
//   - ClaimConversation: only assigns while agent_id is still NULL
//
// Losing writers get ErrConflict. Model-key association runs inside one
// transaction so a credential's reference set and a model's forward
// reference can never tear.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrConflict: Conditional write lost to a concurrent writer
//   - ErrKeyInUse: Credential still referenced by one or more models
//
// All methods accept context.Context for cancellation support.
package store
