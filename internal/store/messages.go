// ABOUTME: SQLite persistence for the append-only message log
// ABOUTME: Ordering key is (created_at, rowid) so coarse clocks keep insertion order

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendMessage appends a message to a conversation. Messages are immutable
// after this point; there is deliberately no update method.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, sender_kind, content, tool_calls_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.SenderKind,
		msg.Content,
		nullString(msg.ToolCallsJSON),
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("inserting message for missing conversation %s: %w", msg.ConversationID, ErrNotFound)
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	if seq, err := result.LastInsertId(); err == nil {
		msg.Seq = seq
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_kind", msg.SenderKind,
	)
	return nil
}

// ListMessages retrieves messages for a conversation in chronological order,
// limited to the most recent `limit` messages. Ties on created_at are broken
// by insertion order (rowid), never by anything the provider returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}

	// Take the newest N, then flip back to chronological order
	query := `
		SELECT id, conversation_id, sender_id, sender_kind, content, tool_calls_json, created_at, rowid
		FROM (
			SELECT id, conversation_id, sender_id, sender_kind, content, tool_calls_json, created_at, rowid
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var toolCalls sql.NullString
		var createdAtStr string

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.SenderKind,
			&msg.Content,
			&toolCalls,
			&createdAtStr,
			&msg.Seq,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if toolCalls.Valid {
			msg.ToolCallsJSON = toolCalls.String
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}
