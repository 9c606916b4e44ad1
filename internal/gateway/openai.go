package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/ugcreach/engage/config"
)

// OpenAIProvider implements Provider against the OpenAI chat/embedding APIs.
type OpenAIProvider struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewOpenAIProvider creates a new OpenAI-backed provider.
func NewOpenAIProvider(cfg config.ProviderConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *OpenAIProvider) Info() ProviderInfo {
	return ProviderInfo{
		Name:       p.cfg.Name,
		Type:       "openai",
		Model:      p.cfg.Model,
		MaxContext: p.cfg.MaxContext,
		CostTier:   p.cfg.CostTier,
	}
}

func (p *OpenAIProvider) apiKey() string {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

// Complete performs a chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return Response{}, &PermanentError{Provider: p.cfg.Name, Err: fmt.Errorf("api key not configured")}
	}

	messages := []map[string]string{}
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]interface{}{
		"model":    p.cfg.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := p.doJSON(ctx, p.cfg.BaseURL+"/chat/completions", apiKey, body, &out); err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, &TransientError{Provider: p.cfg.Name, Err: fmt.Errorf("empty choices in response")}
	}
	return Response{
		Content:      out.Choices[0].Message.Content,
		Provider:     p.cfg.Name,
		Model:        p.cfg.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

// Embed generates embeddings for the given inputs.
func (p *OpenAIProvider) Embed(ctx context.Context, input []string) ([][]float32, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return nil, &PermanentError{Provider: p.cfg.Name, Err: fmt.Errorf("api key not configured")}
	}
	model := p.cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	body := map[string]interface{}{
		"model": model,
		"input": input,
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := p.doJSON(ctx, p.cfg.BaseURL+"/embeddings", apiKey, body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(input) {
		return nil, &TransientError{Provider: p.cfg.Name, Err: fmt.Errorf("expected %d embeddings, got %d", len(input), len(out.Data))}
	}
	vectors := make([][]float32, len(input))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &TransientError{Provider: p.cfg.Name, Err: fmt.Errorf("embedding index %d out of range", d.Index)}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func (p *OpenAIProvider) doJSON(ctx context.Context, url, apiKey string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return &PermanentError{Provider: p.cfg.Name, Err: fmt.Errorf("marshal request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(raw))
	if err != nil {
		return &PermanentError{Provider: p.cfg.Name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &TransientError{Provider: p.cfg.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyHTTPError(p.cfg.Name, resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Provider: p.cfg.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// classifyHTTPError maps an HTTP status to the gateway's error taxonomy.
// Rate limits and server errors are transient; auth and request shape
// problems are permanent for this provider.
func classifyHTTPError(provider string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return &TransientError{Provider: provider, Err: err}
	default:
		return &PermanentError{Provider: provider, Err: err}
	}
}
