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

// openAIProvider talks to the OpenAI-compatible chat completions and
// embeddings endpoints directly over net/http, the way this codebase's other
// provider implementations do rather than pulling in an SDK.
type openAIProvider struct {
	apiKey             string
	baseURL            string
	model              string
	embeddingModel     string
	embeddingDimension int
	maxPayloadBytes    int
	client             *http.Client
}

// NewOpenAIProvider constructs a Provider backed by the OpenAI API.
func NewOpenAIProvider(apiKey, baseURL, model, embeddingModel string, embeddingDimension, maxPayloadBytes int, timeout time.Duration) Provider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 28 * 1024
	}
	return &openAIProvider{
		apiKey:             apiKey,
		baseURL:            baseURL,
		model:              model,
		embeddingModel:     embeddingModel,
		embeddingDimension: embeddingDimension,
		maxPayloadBytes:    maxPayloadBytes,
		client:             &http.Client{Timeout: timeout},
	}
}

func (p *openAIProvider) Name() string            { return "openai" }
func (p *openAIProvider) MaxPayloadBytes() int    { return p.maxPayloadBytes }
func (p *openAIProvider) EmbeddingDimension() int { return p.embeddingDimension }

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *openAIProvider) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	reqBody := chatCompletionRequest{
		Model:       p.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	if len(payload) > p.maxPayloadBytes {
		return "", &ErrPayloadTooLarge{Size: len(payload), Limit: p.maxPayloadBytes}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
		return "", fmt.Errorf("openai chat completion failed: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("openai error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := embeddingRequest{Model: p.embeddingModel, Input: texts}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &ErrEmbeddingProvider{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ErrEmbeddingProvider{Cause: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Cause: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ErrEmbeddingProvider{Cause: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ErrEmbeddingProvider{Cause: err}
	}
	if parsed.Error != nil {
		return nil, &ErrEmbeddingProvider{Cause: fmt.Errorf("%s", parsed.Error.Message)}
	}

	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
