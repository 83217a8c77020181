// ABOUTME: Custom provider adapter for OpenAI-compatible local endpoints
// ABOUTME: Credential-free variant pointed at a configurable base URL

package provider

import (
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// KindCustom selects an OpenAI-compatible endpoint that manages its own
// authentication, such as a local inference server or an internal proxy.
const KindCustom = "custom"

// CustomProvider speaks the OpenAI wire protocol against an arbitrary
// base URL without attaching a credential.
type CustomProvider struct {
	*OpenAIProvider
}

// NewCustomProvider creates a credential-free OpenAI-compatible adapter.
func NewCustomProvider(baseURL string, logger *slog.Logger) *CustomProvider {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig("")
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &CustomProvider{
		OpenAIProvider: &OpenAIProvider{
			client: openai.NewClientWithConfig(cfg),
			logger: logger.With("component", "provider", "kind", KindCustom),
		},
	}
}

// Kind returns the provider kind.
func (p *CustomProvider) Kind() string { return KindCustom }

// Ensure CustomProvider implements Generator.
var _ Generator = (*CustomProvider)(nil)
