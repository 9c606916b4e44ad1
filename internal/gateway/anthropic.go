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

// AnthropicProvider implements Provider against the Anthropic messages API.
// Anthropic exposes no embedding endpoint, so Embed fails permanently and the
// gateway falls through to the next provider.
type AnthropicProvider struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewAnthropicProvider creates a new Anthropic-backed provider.
func NewAnthropicProvider(cfg config.ProviderConfig) *AnthropicProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *AnthropicProvider) Info() ProviderInfo {
	return ProviderInfo{
		Name:       p.cfg.Name,
		Type:       "anthropic",
		Model:      p.cfg.Model,
		MaxContext: p.cfg.MaxContext,
		CostTier:   p.cfg.CostTier,
	}
}

func (p *AnthropicProvider) apiKey() string {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

// Complete performs a messages API call.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	apiKey := p.apiKey()
	if apiKey == "" {
		return Response{}, &PermanentError{Provider: p.cfg.Name, Err: fmt.Errorf("api key not configured")}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]interface{}{
		"model":      p.cfg.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, &PermanentError{Provider: p.cfg.Name, Err: fmt.Errorf("marshal request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/messages", bytes.NewBuffer(raw))
	if err != nil {
		return Response{}, &PermanentError{Provider: p.cfg.Name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, &TransientError{Provider: p.cfg.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, classifyHTTPError(p.cfg.Name, resp.StatusCode, string(b))
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, &TransientError{Provider: p.cfg.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	var text string
	for _, c := range out.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" {
		return Response{}, &TransientError{Provider: p.cfg.Name, Err: fmt.Errorf("empty content in response")}
	}
	return Response{
		Content:      text,
		Provider:     p.cfg.Name,
		Model:        p.cfg.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

// Embed is not supported by Anthropic.
func (p *AnthropicProvider) Embed(ctx context.Context, input []string) ([][]float32, error) {
	return nil, &PermanentError{Provider: p.cfg.Name, Err: fmt.Errorf("anthropic does not provide embeddings")}
}
