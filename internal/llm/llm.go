// Package llm is the model-invocation boundary: one Invoke call per
// inference, routed to the backend configured for a tier.
package llm

import (
	"context"
	"fmt"

	"github.com/sells-group/research-engine/internal/budget"
)

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindRateLimited     ErrorKind = "rate_limited"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindUnavailable     ErrorKind = "unavailable"
)

// Usage is the token usage of one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Tool is an optional function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Required    []string
}

// Request is one inference request.
type Request struct {
	Tier      budget.Tier
	System    string
	User      string
	MaxTokens int
	Tools     []Tool
}

// Result is a successful inference.
type Result struct {
	Text      string
	Model     string
	Usage     Usage
	CostUSD   float64
	LatencyMs int64
}

// InvokeError is a failed inference. Usage and cost are reported when the
// backend consumed tokens before failing.
type InvokeError struct {
	Kind      ErrorKind
	Model     string
	Usage     Usage
	CostUSD   float64
	LatencyMs int64
	Err       error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("llm: %s: %v", e.Kind, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Transient reports whether a retry might succeed.
func (e *InvokeError) Transient() bool {
	return e.Kind != KindInvalidResponse
}

// Invoker runs a single inference.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Completion is a raw backend response.
type Completion struct {
	Text       string
	Model      string
	Usage      Usage
	CacheRead  int64
	CacheWrite int64
}

// Backend is a concrete inference provider.
type Backend interface {
	Complete(ctx context.Context, model string, req Request) (*Completion, error)
}
