// ABOUTME: Ollama adapter for the provider gateway using the native chat API
// ABOUTME: Normalizes structured tool-call arguments into JSON-encoded strings

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// KindOllama selects this adapter in model configurations. Ollama runs
// locally and needs no external credential.
const KindOllama = "ollama"

// OllamaProvider adapts the native Ollama /api/chat endpoint to the
// Generator contract.
type OllamaProvider struct {
	client *resty.Client
	logger *slog.Logger
}

// NewOllamaProvider creates an adapter for the Ollama server at baseURL.
func NewOllamaProvider(baseURL string, timeout time.Duration, logger *slog.Logger) *OllamaProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout == 0 {
		timeout = 75 * time.Second
	}

	return &OllamaProvider{
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
		logger: logger.With("component", "provider", "kind", KindOllama),
	}
}

// Kind returns the provider kind.
func (p *OllamaProvider) Kind() string { return KindOllama }

// ollamaMessage mirrors the chat API message shape.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name string `json:"name"`
	// Ollama returns arguments as a parsed JSON object, not a string
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaToolSpec `json:"function"`
}

type ollamaToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int64         `json:"prompt_eval_count"`
	EvalCount       int64         `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generate performs one non-streaming chat call.
func (p *OllamaProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	messages := make([]ollamaMessage, 0, len(req.Turns)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, turn := range req.Turns {
		messages = append(messages, ollamaMessage{Role: turn.Role, Content: turn.Content})
	}

	chatReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
	}
	for _, tool := range req.Options.Tools {
		chatReq.Tools = append(chatReq.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.ParametersJSON),
			},
		})
	}
	if req.Options.Temperature != nil || req.Options.MaxTokens > 0 {
		chatReq.Options = map[string]any{}
		if req.Options.Temperature != nil {
			chatReq.Options["temperature"] = *req.Options.Temperature
		}
		if req.Options.MaxTokens > 0 {
			chatReq.Options["num_predict"] = req.Options.MaxTokens
		}
	}

	var chatResp ollamaChatResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(chatReq).
		SetResult(&chatResp).
		Post("/api/chat")
	if err != nil {
		return nil, fmt.Errorf("%w: ollama chat: %v", ErrUpstream, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: ollama chat: status %d: %s", ErrUpstream, resp.StatusCode(), resp.String())
	}

	result := &GenerateResult{
		Content:   chatResp.Message.Content,
		ModelUsed: chatResp.Model,
		Usage: Usage{
			PromptUnits:     chatResp.PromptEvalCount,
			CompletionUnits: chatResp.EvalCount,
			TotalUnits:      chatResp.PromptEvalCount + chatResp.EvalCount,
		},
	}

	// Re-encode the structured arguments so the result carries the same
	// JSON-string shape as every other adapter. Ollama emits no call ids,
	// so one is generated for correlation with tool results.
	for _, tc := range chatResp.Message.ToolCalls {
		args := "{}"
		if len(tc.Function.Arguments) > 0 {
			args = string(tc.Function.Arguments)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:            uuid.New().String(),
			Name:          tc.Function.Name,
			ArgumentsJSON: args,
		})
	}

	return result, nil
}

// ListModels returns locally pulled models. Advisory: failures log and
// return an empty slice.
func (p *OllamaProvider) ListModels(ctx context.Context) []ModelInfo {
	var tags ollamaTagsResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&tags).
		Get("/api/tags")
	if err != nil || resp.IsError() {
		p.logger.Warn("listing models failed", "error", err)
		return nil
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, ModelInfo{ID: m.Name, Name: m.Name})
	}
	return models
}

// Ensure OllamaProvider implements Generator.
var _ Generator = (*OllamaProvider)(nil)
