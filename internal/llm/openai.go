package llm

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIBackend serves tiers backed by an OpenAI-compatible endpoint, usually
// a local inference server.
type OpenAIBackend struct {
	client openai.Client
}

// NewOpenAIBackend creates a backend for baseURL. Local servers generally
// accept any key.
func NewOpenAIBackend(baseURL, apiKey string) *OpenAIBackend {
	if apiKey == "" {
		apiKey = "local"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIBackend{client: openai.NewClient(opts...)}
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, model string, req Request) (*Completion, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage(req.User))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters: shared.FunctionParameters{
					"type":       "object",
					"properties": t.Parameters,
					"required":   t.Required,
				},
			},
		})
	}

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &Completion{
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	if out.Model == "" {
		out.Model = model
	}
	if len(resp.Choices) == 0 {
		return out, ErrEmptyResponse
	}
	out.Text = resp.Choices[0].Message.Content
	return out, nil
}
