package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// anthropicProvider talks to the Anthropic messages API. It has no native
// embeddings endpoint, so Embed delegates to a configured fallback embedder
// (typically the OpenAI provider) supplied at construction.
type anthropicProvider struct {
	apiKey          string
	baseURL         string
	model           string
	maxPayloadBytes int
	client          *http.Client
	embedder        Provider
}

// NewAnthropicProvider constructs a Provider backed by the Anthropic API.
// embedder may be nil only if the process never calls Embed through this
// provider (e.g. a pure-generation mission with vector memory disabled).
func NewAnthropicProvider(apiKey, baseURL, model string, maxPayloadBytes int, timeout time.Duration, embedder Provider) Provider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 28 * 1024
	}
	return &anthropicProvider{
		apiKey:          apiKey,
		baseURL:         baseURL,
		model:           model,
		maxPayloadBytes: maxPayloadBytes,
		client:          &http.Client{Timeout: timeout},
		embedder:        embedder,
	}
}

func (p *anthropicProvider) Name() string        { return "anthropic" }
func (p *anthropicProvider) MaxPayloadBytes() int { return p.maxPayloadBytes }

func (p *anthropicProvider) EmbeddingDimension() int {
	if p.embedder == nil {
		return 0
	}
	return p.embedder.EmbeddingDimension()
}

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *apiError `json:"error,omitempty"`
}

func (p *anthropicProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	reqBody := anthropicRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	if len(payload) > p.maxPayloadBytes {
		return "", &ErrPayloadTooLarge{Size: len(payload), Limit: p.maxPayloadBytes}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &RateLimitError{Cause: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic completion failed: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("anthropic error: %s", parsed.Error.Message)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("anthropic returned no content")
	}
	return parsed.Content[0].Text, nil
}

func (p *anthropicProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.embedder == nil {
		return nil, &ErrEmbeddingProvider{Cause: fmt.Errorf("anthropic provider has no configured embedding fallback")}
	}
	return p.embedder.Embed(ctx, texts)
}
