package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_Generate_ReturnsMessageContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key-123", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"the report"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key-123", srv.URL, "gpt-4o-mini", "text-embedding-3-small", 1536, 0, 5*time.Second)
	out, err := p.Generate(context.Background(), "summarize bitcoin", GenerateOptions{Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "the report", out)
}

func TestOpenAIProvider_Generate_TooManyRequestsIsRateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limit"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "gpt-4o-mini", "", 1536, 0, 5*time.Second)
	_, err := p.Generate(context.Background(), "prompt", GenerateOptions{})
	require.Error(t, err)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
}

func TestOpenAIProvider_Generate_PayloadOverLimitFailsBeforeRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "gpt-4o-mini", "", 1536, 16, 5*time.Second)
	_, err := p.Generate(context.Background(), strings.Repeat("x", 1000), GenerateOptions{})
	require.Error(t, err)
	var tooLarge *ErrPayloadTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.False(t, called)
}

func TestOpenAIProvider_Embed_ReturnsVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "", "text-embedding-3-small", 3, 0, 5*time.Second)
	vecs, err := p.Embed(context.Background(), []string{"bitcoin news"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vecs[0])
}

func TestOpenAIProvider_Embed_ServerErrorIsEmbeddingProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`internal error`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("key", srv.URL, "", "text-embedding-3-small", 3, 0, 5*time.Second)
	_, err := p.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	var embedErr *ErrEmbeddingProvider
	require.ErrorAs(t, err, &embedErr)
}

func TestNewOpenAIProvider_DefaultsBaseURLAndPayloadLimit(t *testing.T) {
	p := NewOpenAIProvider("key", "", "model", "embed-model", 1536, 0, time.Second).(*openAIProvider)
	assert.Equal(t, "https://api.openai.com/v1", p.baseURL)
	assert.Equal(t, 28*1024, p.maxPayloadBytes)
}
