package llm

import (
	"context"

	"github.com/sells-group/research-engine/pkg/anthropic"
)

// AnthropicBackend serves tiers backed by the Anthropic API.
type AnthropicBackend struct {
	client   anthropic.Client
	cacheTTL string
}

// NewAnthropicBackend wraps client. System prompts are cached with cacheTTL
// ("5m" or "1h"); an empty TTL disables caching.
func NewAnthropicBackend(client anthropic.Client, cacheTTL string) *AnthropicBackend {
	return &AnthropicBackend{client: client, cacheTTL: cacheTTL}
}

// Complete implements Backend.
func (b *AnthropicBackend) Complete(ctx context.Context, model string, req Request) (*Completion, error) {
	msg := anthropic.MessageRequest{
		Model:     model,
		MaxTokens: int64(req.MaxTokens),
		Messages:  []anthropic.Message{{Role: "user", Content: req.User}},
	}
	if req.System != "" {
		if b.cacheTTL != "" {
			msg.System = anthropic.BuildCachedSystemBlocks(req.System, "", b.cacheTTL)
		} else {
			msg.System = []anthropic.SystemBlock{{Text: req.System}}
		}
	}
	for _, t := range req.Tools {
		msg.Tools = append(msg.Tools, anthropic.Tool{
			Name:        t.Name,
			Description: t.Description,
			Properties:  t.Parameters,
			Required:    t.Required,
		})
	}

	resp, err := b.client.CreateMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return &Completion{
		Text:  resp.Text(),
		Model: model,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		},
		CacheRead:  resp.Usage.CacheReadInputTokens,
		CacheWrite: resp.Usage.CacheCreationInputTokens,
	}, nil
}
