// ABOUTME: SQLite persistence for AI model configurations
// ABOUTME: CRUD consumed by external admin tooling; the orchestrator only reads

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAIModel creates a new AI model configuration.
func (s *SQLiteStore) CreateAIModel(ctx context.Context, model *AIModel) error {
	if model.ID == "" {
		model.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = now
	}
	if model.Visibility == "" {
		model.Visibility = "public"
	}

	query := `
		INSERT INTO ai_models (id, provider, model, system_prompt, supports_tools, visibility, api_key_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		model.ID,
		model.Provider,
		model.Model,
		model.SystemPrompt,
		boolToInt(model.SupportsTools),
		model.Visibility,
		nullStringPtr(model.APIKeyID),
		model.CreatedAt.Format(time.RFC3339),
		model.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting ai model: %w", err)
	}

	s.logger.Debug("created ai model", "id", model.ID, "provider", model.Provider, "model", model.Model)
	return nil
}

const aiModelColumns = `id, provider, model, system_prompt, supports_tools, visibility, api_key_id, created_at, updated_at`

// GetAIModel retrieves a model configuration by ID.
// Returns ErrNotFound if the model doesn't exist.
func (s *SQLiteStore) GetAIModel(ctx context.Context, id string) (*AIModel, error) {
	query := `SELECT ` + aiModelColumns + ` FROM ai_models WHERE id = ?`

	model, err := scanAIModel(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ai model: %w", err)
	}
	return model, nil
}

// ListAIModels returns model configurations ordered by creation time.
// Admin-gated models are excluded unless includeHidden is set.
func (s *SQLiteStore) ListAIModels(ctx context.Context, includeHidden bool) ([]*AIModel, error) {
	query := `SELECT ` + aiModelColumns + ` FROM ai_models`
	if !includeHidden {
		query += ` WHERE visibility = 'public'`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying ai models: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var models []*AIModel
	for rows.Next() {
		model, err := scanAIModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ai model rows: %w", err)
	}

	return models, nil
}

// UpdateAIModel updates a model configuration's editable fields.
// The credential reference is managed by Associate/Disassociate, not here.
// Returns ErrNotFound if the model doesn't exist.
func (s *SQLiteStore) UpdateAIModel(ctx context.Context, model *AIModel) error {
	model.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE ai_models
		SET provider = ?, model = ?, system_prompt = ?, supports_tools = ?, visibility = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		model.Provider,
		model.Model,
		model.SystemPrompt,
		boolToInt(model.SupportsTools),
		model.Visibility,
		model.UpdatedAt.Format(time.RFC3339),
		model.ID,
	)
	if err != nil {
		return fmt.Errorf("updating ai model: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated ai model", "id", model.ID)
	return nil
}

// DeleteAIModel removes a model configuration.
// Returns ErrNotFound if the model doesn't exist.
func (s *SQLiteStore) DeleteAIModel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ai_models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting ai model: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted ai model", "id", id)
	return nil
}

// scanAIModel scans a single ai_models row.
func scanAIModel(row rowScanner) (*AIModel, error) {
	var model AIModel
	var supportsTools int
	var apiKeyID sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&model.ID,
		&model.Provider,
		&model.Model,
		&model.SystemPrompt,
		&supportsTools,
		&model.Visibility,
		&apiKeyID,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ai model row: %w", err)
	}

	model.SupportsTools = supportsTools != 0
	if apiKeyID.Valid {
		model.APIKeyID = &apiKeyID.String
	}

	model.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	model.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &model, nil
}

// nullStringPtr returns nil for nil or empty string pointers.
func nullStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
