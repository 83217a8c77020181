// ABOUTME: Registry mapping provider kinds to Generator adapters
// ABOUTME: Closed set of kinds with per-kind credential requirements

package provider

import (
	"fmt"
	"log/slog"
	"time"
)

// Registry builds Generator adapters for the known provider kinds.
// OpenAI clients are constructed per call because the credential is
// resolved per model; local adapters are reused.
type Registry struct {
	logger *slog.Logger

	ollama *OllamaProvider
	custom *CustomProvider
}

// NewRegistry creates a registry with the configured local endpoints.
func NewRegistry(ollamaBaseURL, customBaseURL string, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		ollama: NewOllamaProvider(ollamaBaseURL, timeout, logger),
		custom: NewCustomProvider(customBaseURL, logger),
	}
}

// NeedsCredential reports whether models of this kind must carry an
// attached credential before they can generate.
func NeedsCredential(kind string) (bool, error) {
	switch kind {
	case KindOpenAI:
		return true, nil
	case KindOllama, KindCustom:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
}

// ForKind returns the Generator for a provider kind. The apiKey is only
// used by kinds that require a credential; local kinds ignore it.
func (r *Registry) ForKind(kind, apiKey string) (Generator, error) {
	switch kind {
	case KindOpenAI:
		return NewOpenAIProvider(apiKey, "", r.logger), nil
	case KindOllama:
		return r.ollama, nil
	case KindCustom:
		return r.custom, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
}

// Kinds returns the provider kinds this registry can build.
func (r *Registry) Kinds() []string {
	return []string{KindOpenAI, KindOllama, KindCustom}
}
