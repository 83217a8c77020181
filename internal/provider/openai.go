// ABOUTME: OpenAI-compatible adapter for the provider gateway
// ABOUTME: Maps the uniform generation contract onto chat completions with tool calling

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// KindOpenAI selects this adapter in model configurations.
const KindOpenAI = "openai"

// OpenAIProvider adapts the OpenAI chat completions API (and compatible
// servers) to the Generator contract.
type OpenAIProvider struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider creates an adapter authenticated with the given secret.
// baseURL overrides the API endpoint for OpenAI-compatible servers; pass
// empty for the hosted API.
func NewOpenAIProvider(apiKey, baseURL string, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("component", "provider", "kind", KindOpenAI),
	}
}

// Kind returns the provider kind.
func (p *OpenAIProvider) Kind() string { return KindOpenAI }

// Generate performs one chat completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)

	// The backend expects the system prompt as a leading system turn
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, turn := range req.Turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Options.MaxTokens > 0 {
		chatReq.MaxTokens = req.Options.MaxTokens
	}
	if req.Options.Temperature != nil {
		chatReq.Temperature = *req.Options.Temperature
	}
	for _, tool := range req.Options.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  json.RawMessage(tool.ParametersJSON),
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%w: openai chat completion: %v", ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrUpstream)
	}

	choice := resp.Choices[0].Message

	result := &GenerateResult{
		Content:   choice.Content,
		ModelUsed: resp.Model,
		Usage: Usage{
			PromptUnits:     int64(resp.Usage.PromptTokens),
			CompletionUnits: int64(resp.Usage.CompletionTokens),
			TotalUnits:      int64(resp.Usage.TotalTokens),
		},
	}

	// OpenAI already returns arguments as a JSON-encoded string, which is
	// exactly the normalized shape
	for _, tc := range choice.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:            tc.ID,
			Name:          tc.Function.Name,
			ArgumentsJSON: tc.Function.Arguments,
		})
	}

	return result, nil
}

// ListModels returns the models the account can use. Advisory: failures log
// and return an empty slice.
func (p *OpenAIProvider) ListModels(ctx context.Context) []ModelInfo {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		p.logger.Warn("listing models failed", "error", err)
		return nil
	}

	models := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, ModelInfo{ID: m.ID, Name: m.ID})
	}
	return models
}

// Ensure OpenAIProvider implements Generator.
var _ Generator = (*OpenAIProvider)(nil)
