// ABOUTME: SQLite persistence for conversations, including escalation state
// ABOUTME: Claim and escalate are single conditional UPDATEs, never read-then-write

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	query := `
		INSERT INTO conversations (
			id, kind, customer_id, peer_user_id, agent_id, model_id,
			pinned, admin_notes, customer_unread, peer_unread,
			escalated_at, claimed_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Kind,
		conv.CustomerID,
		nullString(conv.PeerUserID),
		nullString(conv.AgentID),
		nullString(conv.ModelID),
		boolToInt(conv.Pinned),
		conv.AdminNotes,
		conv.CustomerUnread,
		conv.PeerUnread,
		formatNullableTime(conv.EscalatedAt),
		formatNullableTime(conv.ClaimedAt),
		conv.CreatedAt.UTC().Format(time.RFC3339),
		conv.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "kind", conv.Kind, "customer_id", conv.CustomerID)
	return nil
}

const conversationColumns = `
	id, kind, customer_id, peer_user_id, agent_id, model_id,
	pinned, admin_notes, customer_unread, peer_unread,
	escalated_at, claimed_at, created_at, updated_at
`

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// LatestAIConversation returns the most recently created AI conversation for
// the given (customer, model) pair. The lookup is deterministic: created_at
// descending, rowid breaking ties.
// Returns ErrNotFound when the customer has never talked to this model.
func (s *SQLiteStore) LatestAIConversation(ctx context.Context, customerID, modelID string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE kind = ? AND customer_id = ? AND model_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, KindUserToIA, customerID, modelID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest AI conversation: %w", err)
	}
	return conv, nil
}

// ListConversationsForUser returns conversations where the user participates
// as customer or peer, newest first.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE customer_id = ? OR peer_user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.queryConversations(ctx, query, userID, userID, limit)
}

// ListConversationsForAgent returns conversations claimed by the agent,
// newest first.
func (s *SQLiteStore) ListConversationsForAgent(ctx context.Context, agentID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.queryConversations(ctx, query, agentID, limit)
}

// UpdateConversationMeta updates the pinned flag and admin notes.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) UpdateConversationMeta(ctx context.Context, id string, pinned bool, adminNotes string) error {
	query := `
		UPDATE conversations
		SET pinned = ?, admin_notes = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		boolToInt(pinned),
		adminNotes,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating conversation meta: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// IncrementUnread bumps the unread counter for one side of the conversation.
func (s *SQLiteStore) IncrementUnread(ctx context.Context, id string, customerSide bool) error {
	column := "peer_unread"
	if customerSide {
		column = "customer_unread"
	}

	query := fmt.Sprintf(`UPDATE conversations SET %s = %s + 1 WHERE id = ?`, column, column)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("incrementing unread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetUnread clears the unread counter for one side of the conversation.
func (s *SQLiteStore) ResetUnread(ctx context.Context, id string, customerSide bool) error {
	column := "peer_unread"
	if customerSide {
		column = "customer_unread"
	}

	query := fmt.Sprintf(`UPDATE conversations SET %s = 0 WHERE id = ?`, column)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("resetting unread: %w", err)
	}
	return nil
}

// MarkEscalated flags an AI conversation for human attention. The UPDATE is
// conditional on the conversation being an unescalated user-to-ia one, so a
// concurrent second escalation loses and gets ErrConflict.
func (s *SQLiteStore) MarkEscalated(ctx context.Context, conversationID string, at time.Time) error {
	query := `
		UPDATE conversations
		SET escalated_at = ?, updated_at = ?
		WHERE id = ? AND kind = ? AND escalated_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query,
		at.UTC().Format(time.RFC3339),
		at.UTC().Format(time.RFC3339),
		conversationID,
		KindUserToIA,
	)
	if err != nil {
		return fmt.Errorf("marking escalated: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish "absent" from "already escalated or wrong kind"
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		return ErrConflict
	}

	s.logger.Info("conversation escalated", "conversation_id", conversationID)
	return nil
}

// ClaimConversation assigns an escalated conversation to an agent.
// First-writer-wins: the UPDATE only matches while agent_id is unset, so of
// two racing agents exactly one sees a row change and the other ErrConflict.
func (s *SQLiteStore) ClaimConversation(ctx context.Context, conversationID, agentID string, at time.Time) error {
	query := `
		UPDATE conversations
		SET agent_id = ?, kind = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND escalated_at IS NOT NULL AND agent_id IS NULL
	`

	result, err := s.db.ExecContext(ctx, query,
		agentID,
		KindUserToAgent,
		at.UTC().Format(time.RFC3339),
		at.UTC().Format(time.RFC3339),
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("claiming conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		return ErrConflict
	}

	s.logger.Info("conversation claimed", "conversation_id", conversationID, "agent_id", agentID)
	return nil
}

// ListPendingEscalations returns escalated, unclaimed conversations in
// escalation order (oldest waiting first).
func (s *SQLiteStore) ListPendingEscalations(ctx context.Context) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE escalated_at IS NOT NULL AND agent_id IS NULL
		ORDER BY escalated_at ASC, rowid ASC
	`

	return s.queryConversations(ctx, query)
}

// queryConversations runs a conversation query and scans all rows.
func (s *SQLiteStore) queryConversations(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation scans a single conversation row.
func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var peerUserID, agentID, modelID, escalatedAt, claimedAt sql.NullString
	var pinned int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.Kind,
		&conv.CustomerID,
		&peerUserID,
		&agentID,
		&modelID,
		&pinned,
		&conv.AdminNotes,
		&conv.CustomerUnread,
		&conv.PeerUnread,
		&escalatedAt,
		&claimedAt,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation row: %w", err)
	}

	conv.Pinned = pinned != 0
	if peerUserID.Valid {
		conv.PeerUserID = peerUserID.String
	}
	if agentID.Valid {
		conv.AgentID = agentID.String
	}
	if modelID.Valid {
		conv.ModelID = modelID.String
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if conv.EscalatedAt, err = parseNullableTime(escalatedAt); err != nil {
		return nil, fmt.Errorf("parsing escalated_at: %w", err)
	}
	if conv.ClaimedAt, err = parseNullableTime(claimedAt); err != nil {
		return nil, fmt.Errorf("parsing claimed_at: %w", err)
	}

	return &conv, nil
}

// formatNullableTime renders a *time.Time for a nullable column.
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullableTime parses an optional RFC3339 column value.
func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// boolToInt converts a bool to its SQLite integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
