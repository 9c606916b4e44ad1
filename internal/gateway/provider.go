package gateway

import (
	"context"
)

// Request carries a prompt plus generation constraints to a provider.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Response is the result of a successful completion call.
type Response struct {
	Content      string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// ProviderInfo exposes capability metadata used for ranking and budgeting.
type ProviderInfo struct {
	Name       string
	Type       string
	Model      string
	MaxContext int
	CostTier   int
}

// Provider is a single LLM backend. Implementations classify failures as
// *TransientError or *PermanentError so the gateway can decide between
// retrying and failing over.
type Provider interface {
	// Complete performs one request/response completion call.
	Complete(ctx context.Context, req Request) (Response, error)

	// Embed returns one fixed-dimension vector per input text.
	Embed(ctx context.Context, input []string) ([][]float32, error)

	// Info returns the provider's capability metadata.
	Info() ProviderInfo
}
