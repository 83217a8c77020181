// ABOUTME: Model-credential association service with usage accounting
// ABOUTME: Resolves decrypted secrets per model and records per-call telemetry

package modelkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/vault"
)

// ErrCredentialRequired is returned when a model whose provider requires a
// credential has none attached.
var ErrCredentialRequired = errors.New("model has no credential attached")

// ErrProviderMismatch is returned when attaching a credential minted for a
// different provider than the model's.
var ErrProviderMismatch = errors.New("credential provider does not match model provider")

// Service manages the link between AI models and encrypted credentials.
// Attach/detach run as single store transactions; reads derive the reverse
// index from the forward reference so the two sides cannot drift.
type Service struct {
	store  store.Store
	vault  *vault.Vault
	logger *slog.Logger
}

// NewService creates a model-credential service.
func NewService(st store.Store, v *vault.Vault, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		vault:  v,
		logger: logger.With("component", "modelkey"),
	}
}

// Associate attaches a credential to a model, replacing any previous
// attachment. Returns the updated model.
func (s *Service) Associate(ctx context.Context, modelID, keyID string) (*store.AIModel, error) {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	model, err := s.store.GetAIModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("looking up model: %w", err)
	}
	if key.Provider != model.Provider {
		return nil, fmt.Errorf("%w: key is for %q, model uses %q",
			ErrProviderMismatch, key.Provider, model.Provider)
	}

	updated, err := s.store.AssociateModelKey(ctx, modelID, keyID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("credential attached", "model_id", modelID, "key_id", keyID)
	return updated, nil
}

// Disassociate detaches whatever credential the model carries. Detaching a
// model with no credential is a no-op, not an error.
func (s *Service) Disassociate(ctx context.Context, modelID string) (*store.AIModel, error) {
	updated, err := s.store.DisassociateModelKey(ctx, modelID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("credential detached", "model_id", modelID)
	return updated, nil
}

// ModelsUsing returns the ids of models currently attached to a credential.
func (s *Service) ModelsUsing(ctx context.Context, keyID string) ([]string, error) {
	return s.store.ListModelsUsingKey(ctx, keyID)
}

// ResolveCredential returns the decrypted secret for a model, or hasKey
// false when the model's provider runs without one. A credential-requiring
// provider with nothing attached is an error the orchestrator surfaces
// before ever calling the backend.
func (s *Service) ResolveCredential(ctx context.Context, model *store.AIModel) (secret string, hasKey bool, err error) {
	needs, err := provider.NeedsCredential(model.Provider)
	if err != nil {
		return "", false, err
	}
	if !needs {
		return "", false, nil
	}
	if model.APIKeyID == nil {
		return "", false, fmt.Errorf("%w: model %s (%s)", ErrCredentialRequired, model.ID, model.Provider)
	}

	key, err := s.store.GetAPIKey(ctx, *model.APIKeyID)
	if err != nil {
		return "", false, fmt.Errorf("looking up api key: %w", err)
	}

	plaintext, err := s.vault.Decrypt(key.SecretEnc)
	if err != nil {
		return "", false, fmt.Errorf("decrypting credential %s: %w", key.ID, err)
	}
	return plaintext, true, nil
}

// RecordUsage bumps the credential's counters and appends a telemetry row.
// Best effort: accounting failures are logged, never propagated, so a
// delivered response is not turned into a failure after the fact.
func (s *Service) RecordUsage(ctx context.Context, model *store.AIModel, usage provider.Usage) {
	if model.APIKeyID == nil {
		return
	}

	err := s.store.TouchAPIKey(ctx, *model.APIKeyID, model.ID,
		usage.PromptUnits, usage.CompletionUnits, usage.TotalUnits)
	if err != nil {
		s.logger.Warn("usage accounting failed",
			"key_id", *model.APIKeyID,
			"model_id", model.ID,
			"error", err)
	}
}
