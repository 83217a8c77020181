// ABOUTME: Provider-agnostic generation contract for AI backends
// ABOUTME: Defines Turn, ToolCall, Usage and the Generator interface all adapters implement

package provider

import (
	"context"
	"errors"
)

// ErrUpstream indicates the backend call itself failed: transport error,
// non-success status, or a malformed response. The orchestrator decides what
// to do; adapters never retry.
var ErrUpstream = errors.New("upstream provider failure")

// ErrUnknownProvider indicates a model configuration names a provider kind
// outside the closed set.
var ErrUnknownProvider = errors.New("unknown provider")

// Turn roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged message unit in a generation request. The system
// prompt is NOT a turn; adapters inject it however their backend expects.
type Turn struct {
	Role    string
	Content string
}

// ToolSpec describes one callable function offered to the model.
type ToolSpec struct {
	Name           string
	Description    string
	ParametersJSON string // JSON Schema for the arguments object
}

// ToolCall is a normalized function invocation request from the model.
// ArgumentsJSON is always a JSON-encoded string, whatever shape the
// upstream returned, so callers never branch on provider.
type ToolCall struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

// Usage reports unit consumption for one generation call.
type Usage struct {
	PromptUnits     int64
	CompletionUnits int64
	TotalUnits      int64
}

// Options carries per-call tuning. Tools must only be set when the caller's
// model configuration declares tool support; adapters tolerate its absence.
type Options struct {
	Tools       []ToolSpec
	Temperature *float32
	MaxTokens   int
}

// GenerateRequest is the uniform input to every adapter.
type GenerateRequest struct {
	Turns        []Turn
	SystemPrompt string
	Model        string
	Options      Options
}

// GenerateResult is the uniform output from every adapter. Content may be
// empty when the model answered only with tool calls.
type GenerateResult struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	ModelUsed string
}

// ModelInfo describes one model the backend advertises.
type ModelInfo struct {
	ID   string
	Name string
}

// Generator is the uniform generation contract. Adapters are stateless and
// never touch the conversation store.
type Generator interface {
	// Generate performs one completion call against the backend.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)

	// ListModels returns the models the backend advertises. Advisory only:
	// on failure it returns an empty slice, never an error.
	ListModels(ctx context.Context) []ModelInfo

	// Kind returns the provider kind this adapter serves.
	Kind() string
}
