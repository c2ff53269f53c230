package llm

import "context"

// GenerateOptions carries the optional per-call overrides a caller may
// supply on top of the provider's model defaults.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Provider is the common contract every LLM backend implements. The gateway
// selects exactly one Provider at startup based on configuration and never
// switches providers mid-process.
type Provider interface {
	// Name identifies the provider for logging and error messages.
	Name() string
	// MaxPayloadBytes is the hard ceiling this provider enforces on
	// serialized request size.
	MaxPayloadBytes() int
	// Generate performs a single completion call.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	// Embed produces fixed-dimension vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbeddingDimension reports the dimension D of vectors this provider
	// produces, used by the Vector Store Adapter's self-heal check.
	EmbeddingDimension() int
}

// RateLimitError marks a provider error as a retryable quota signal (e.g.
// HTTP 429). Concrete providers return this type for a 429 response and
// leave transport errors unwrapped, so the gateway's retry loop can
// distinguish quota exhaustion from a plain connection failure.
type RateLimitError struct {
	Cause error
}

func (e *RateLimitError) Error() string { return "rate limited: " + e.Cause.Error() }
func (e *RateLimitError) Unwrap() error { return e.Cause }
