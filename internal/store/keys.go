// ABOUTME: SQLite persistence for encrypted provider credentials and usage telemetry
// ABOUTME: Model-key association runs in one transaction: detach old, attach new, commit

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAPIKey creates a new credential record. SecretEnc must already be a
// vault envelope; the store never sees plaintext secrets.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = now
	}

	query := `
		INSERT INTO api_keys (id, provider, secret_enc, description, last_used_at, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		key.ID,
		key.Provider,
		key.SecretEnc,
		key.Description,
		formatNullableTime(key.LastUsedAt),
		key.UsageCount,
		key.CreatedAt.Format(time.RFC3339),
		key.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Debug("created api key", "id", key.ID, "provider", key.Provider)
	return nil
}

const apiKeyColumns = `id, provider, secret_enc, description, last_used_at, usage_count, created_at, updated_at`

// GetAPIKey retrieves a credential record by ID.
// Returns ErrNotFound if the key doesn't exist.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = ?`

	key, err := scanAPIKey(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns all credential records ordered by creation time.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api key rows: %w", err)
	}

	return keys, nil
}

// DeleteAPIKey removes a credential record. Unless force is set, deletion
// fails with ErrKeyInUse while any model still references the key. With
// force, referencing models are detached first, in the same transaction.
func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string, force bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inUse int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ai_models WHERE api_key_id = ?`, id,
	).Scan(&inUse); err != nil {
		return fmt.Errorf("counting key references: %w", err)
	}

	if inUse > 0 {
		if !force {
			return ErrKeyInUse
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ai_models SET api_key_id = NULL, updated_at = ? WHERE api_key_id = ?`,
			time.Now().UTC().Format(time.RFC3339), id,
		); err != nil {
			return fmt.Errorf("detaching models from key: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing key deletion: %w", err)
	}

	s.logger.Debug("deleted api key", "id", id, "forced_detach", inUse > 0 && force)
	return nil
}

// ListModelsUsingKey returns the ids of models currently referencing the key.
// This is the credential's back-reference set; it is derived from the models'
// forward references so the two sides cannot disagree.
func (s *SQLiteStore) ListModelsUsingKey(ctx context.Context, keyID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM ai_models WHERE api_key_id = ? ORDER BY created_at ASC, rowid ASC`, keyID)
	if err != nil {
		return nil, fmt.Errorf("querying key references: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning key reference: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating key references: %w", err)
	}

	return ids, nil
}

// AssociateModelKey binds a model to a credential. Runs as one transaction:
// verify both records, detach the model's previous key, attach the new one,
// commit. On any failure the whole operation rolls back and the prior
// association survives unchanged.
// Returns ErrNotFound if either record is absent.
func (s *SQLiteStore) AssociateModelKey(ctx context.Context, modelID, keyID string) (*AIModel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	model, err := getAIModelTx(ctx, tx, modelID)
	if err != nil {
		return nil, err
	}

	var keyExists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE id = ?`, keyID,
	).Scan(&keyExists); err != nil {
		return nil, fmt.Errorf("checking api key: %w", err)
	}
	if keyExists == 0 {
		return nil, ErrNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339)

	// Detach old, attach new. The old key's reverse index shrinks by this
	// same UPDATE since the index is derived from the forward reference.
	if model.APIKeyID != nil && *model.APIKeyID != keyID {
		if _, err := tx.ExecContext(ctx,
			`UPDATE api_keys SET updated_at = ? WHERE id = ?`, now, *model.APIKeyID,
		); err != nil {
			return nil, fmt.Errorf("touching previous key: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ai_models SET api_key_id = ?, updated_at = ? WHERE id = ?`,
		keyID, now, modelID,
	); err != nil {
		return nil, fmt.Errorf("attaching key to model: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET updated_at = ? WHERE id = ?`, now, keyID,
	); err != nil {
		return nil, fmt.Errorf("touching new key: %w", err)
	}

	model, err = getAIModelTx(ctx, tx, modelID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing association: %w", err)
	}

	s.logger.Info("associated model with key", "model_id", modelID, "key_id", keyID)
	return model, nil
}

// DisassociateModelKey clears a model's credential reference. Calling it on
// a model with no key attached is a no-op, not an error.
// Returns ErrNotFound if the model is absent.
func (s *SQLiteStore) DisassociateModelKey(ctx context.Context, modelID string) (*AIModel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	model, err := getAIModelTx(ctx, tx, modelID)
	if err != nil {
		return nil, err
	}

	if model.APIKeyID == nil {
		// Nothing attached; idempotent
		return model, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET updated_at = ? WHERE id = ?`, now, *model.APIKeyID,
	); err != nil {
		return nil, fmt.Errorf("touching detached key: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE ai_models SET api_key_id = NULL, updated_at = ? WHERE id = ?`,
		now, modelID,
	); err != nil {
		return nil, fmt.Errorf("detaching key from model: %w", err)
	}

	model, err = getAIModelTx(ctx, tx, modelID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing disassociation: %w", err)
	}

	s.logger.Info("disassociated model from key", "model_id", modelID)
	return model, nil
}

// TouchAPIKey bumps the key's usage counter and last-used timestamp and
// records a telemetry row. Best-effort observability; callers ignore errors.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, keyID, modelID string, promptUnits, completionUnits, totalUnits int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	result, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339), now.Format(time.RFC3339), keyID,
	)
	if err != nil {
		return fmt.Errorf("updating key usage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO key_usage (id, api_key_id, model_id, prompt_units, completion_units, total_units, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), keyID, modelID, promptUnits, completionUnits, totalUnits,
		now.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting usage row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing usage: %w", err)
	}

	return nil
}

// GetKeyUsage retrieves telemetry rows for a key, newest first.
func (s *SQLiteStore) GetKeyUsage(ctx context.Context, keyID string, limit int) ([]*KeyUsage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, api_key_id, model_id, prompt_units, completion_units, total_units, created_at
		FROM key_usage
		WHERE api_key_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying key usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*KeyUsage
	for rows.Next() {
		var u KeyUsage
		var createdAtStr string
		if err := rows.Scan(&u.ID, &u.APIKeyID, &u.ModelID, &u.PromptUnits, &u.CompletionUnits, &u.TotalUnits, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		u.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		usages = append(usages, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}

	return usages, nil
}

// getAIModelTx reads a model inside a transaction.
func getAIModelTx(ctx context.Context, tx *sql.Tx, modelID string) (*AIModel, error) {
	query := `SELECT ` + aiModelColumns + ` FROM ai_models WHERE id = ?`
	model, err := scanAIModel(tx.QueryRowContext(ctx, query, modelID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ai model: %w", err)
	}
	return model, nil
}

// scanAPIKey scans a single api_keys row.
func scanAPIKey(row rowScanner) (*APIKey, error) {
	var key APIKey
	var lastUsedAt sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&key.ID,
		&key.Provider,
		&key.SecretEnc,
		&key.Description,
		&lastUsedAt,
		&key.UsageCount,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key row: %w", err)
	}

	if key.LastUsedAt, err = parseNullableTime(lastUsedAt); err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}

	key.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	key.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &key, nil
}
