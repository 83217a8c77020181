// ABOUTME: Tests for API key persistence and model-key association transactions
// ABOUTME: Covers attach/detach consistency, idempotence, and usage telemetry

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestModel(t *testing.T, s *SQLiteStore) *AIModel {
	t.Helper()
	model := &AIModel{Provider: "openai", Model: "gpt-4o-mini", SystemPrompt: "You are concise."}
	require.NoError(t, s.CreateAIModel(context.Background(), model))
	return model
}

func createTestKey(t *testing.T, s *SQLiteStore) *APIKey {
	t.Helper()
	key := &APIKey{Provider: "openai", SecretEnc: "sealed-envelope", Description: "test key"}
	require.NoError(t, s.CreateAPIKey(context.Background(), key))
	return key
}

func TestAssociateModelKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	model := createTestModel(t, s)
	key := createTestKey(t, s)

	updated, err := s.AssociateModelKey(ctx, model.ID, key.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.APIKeyID)
	assert.Equal(t, key.ID, *updated.APIKeyID)

	using, err := s.ListModelsUsingKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{model.ID}, using)
}

func TestAssociateModelKey_NotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	model := createTestModel(t, s)
	key := createTestKey(t, s)

	_, err := s.AssociateModelKey(ctx, "missing-model", key.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AssociateModelKey(ctx, model.ID, "missing-key")
	assert.ErrorIs(t, err, ErrNotFound)

	// Failed association leaves the model untouched
	got, err := s.GetAIModel(ctx, model.ID)
	require.NoError(t, err)
	assert.Nil(t, got.APIKeyID)
}

func TestAssociateModelKey_ReplacesPreviousKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	model := createTestModel(t, s)
	keyA := createTestKey(t, s)
	keyB := createTestKey(t, s)

	_, err := s.AssociateModelKey(ctx, model.ID, keyA.ID)
	require.NoError(t, err)

	updated, err := s.AssociateModelKey(ctx, model.ID, keyB.ID)
	require.NoError(t, err)
	assert.Equal(t, keyB.ID, *updated.APIKeyID)

	// keyA no longer lists the model, keyB does — never both, never neither
	usingA, err := s.ListModelsUsingKey(ctx, keyA.ID)
	require.NoError(t, err)
	assert.Empty(t, usingA)

	usingB, err := s.ListModelsUsingKey(ctx, keyB.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{model.ID}, usingB)
}

func TestDisassociateModelKey_SharedKeyKeepsOtherModel(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	m1 := createTestModel(t, s)
	m2 := createTestModel(t, s)
	key := createTestKey(t, s)

	_, err := s.AssociateModelKey(ctx, m1.ID, key.ID)
	require.NoError(t, err)
	_, err = s.AssociateModelKey(ctx, m2.ID, key.ID)
	require.NoError(t, err)

	updated, err := s.DisassociateModelKey(ctx, m1.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.APIKeyID)

	using, err := s.ListModelsUsingKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{m2.ID}, using)
}

func TestDisassociateModelKey_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	model := createTestModel(t, s)
	key := createTestKey(t, s)

	_, err := s.AssociateModelKey(ctx, model.ID, key.ID)
	require.NoError(t, err)

	first, err := s.DisassociateModelKey(ctx, model.ID)
	require.NoError(t, err)
	assert.Nil(t, first.APIKeyID)

	// Second call is a no-op, not an error
	second, err := s.DisassociateModelKey(ctx, model.ID)
	require.NoError(t, err)
	assert.Nil(t, second.APIKeyID)
}

func TestDeleteAPIKey_InUse(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	model := createTestModel(t, s)
	key := createTestKey(t, s)

	_, err := s.AssociateModelKey(ctx, model.ID, key.ID)
	require.NoError(t, err)

	err = s.DeleteAPIKey(ctx, key.ID, false)
	assert.ErrorIs(t, err, ErrKeyInUse)

	// Forced deletion detaches the model first
	require.NoError(t, s.DeleteAPIKey(ctx, key.ID, true))

	got, err := s.GetAIModel(ctx, model.ID)
	require.NoError(t, err)
	assert.Nil(t, got.APIKeyID)

	_, err = s.GetAPIKey(ctx, key.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAPIKey_NotFound(t *testing.T) {
	s := createTestStore(t)

	err := s.DeleteAPIKey(context.Background(), "missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouchAPIKey(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	model := createTestModel(t, s)
	key := createTestKey(t, s)

	require.NoError(t, s.TouchAPIKey(ctx, key.ID, model.ID, 12, 34, 46))
	require.NoError(t, s.TouchAPIKey(ctx, key.ID, model.ID, 5, 6, 11))

	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
	require.NotNil(t, got.LastUsedAt)

	usage, err := s.GetKeyUsage(ctx, key.ID, 10)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, int64(57), usage[0].TotalUnits+usage[1].TotalUnits)
}

func TestTouchAPIKey_MissingKey(t *testing.T) {
	s := createTestStore(t)

	err := s.TouchAPIKey(context.Background(), "missing", "model", 1, 1, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAIModelCRUD(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	model := &AIModel{
		Provider:      "ollama",
		Model:         "llama3.2",
		SystemPrompt:  "Be helpful.",
		SupportsTools: true,
		Visibility:    "admin",
	}
	require.NoError(t, s.CreateAIModel(ctx, model))

	got, err := s.GetAIModel(ctx, model.ID)
	require.NoError(t, err)
	assert.True(t, got.SupportsTools)
	assert.Equal(t, "admin", got.Visibility)

	// Hidden from the public listing
	public, err := s.ListAIModels(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, public)

	all, err := s.ListAIModels(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	got.SystemPrompt = "Be brief."
	got.Visibility = "public"
	require.NoError(t, s.UpdateAIModel(ctx, got))

	updated, err := s.GetAIModel(ctx, model.ID)
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", updated.SystemPrompt)

	require.NoError(t, s.DeleteAIModel(ctx, model.ID))
	_, err = s.GetAIModel(ctx, model.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
