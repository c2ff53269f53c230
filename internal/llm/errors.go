package llm

import "fmt"

// ErrPayloadTooLarge is returned when a request would exceed the active
// provider's MaxPayloadBytes ceiling.
type ErrPayloadTooLarge struct {
	Size  int
	Limit int
}

func (e *ErrPayloadTooLarge) Error() string {
	return fmt.Sprintf("llm: payload of %d bytes exceeds provider limit of %d bytes", e.Size, e.Limit)
}

// ErrQuotaExhausted is returned after retries are exhausted against a
// provider-reported rate limit.
type ErrQuotaExhausted struct {
	Provider string
	Attempts int
}

func (e *ErrQuotaExhausted) Error() string {
	return fmt.Sprintf("llm: quota exhausted on provider %q after %d attempts", e.Provider, e.Attempts)
}

// ErrUpstreamUnavailable is returned when the provider could not be reached
// even after one retry.
type ErrUpstreamUnavailable struct {
	Provider string
	Cause    error
}

func (e *ErrUpstreamUnavailable) Error() string {
	return fmt.Sprintf("llm: provider %q unavailable: %v", e.Provider, e.Cause)
}

func (e *ErrUpstreamUnavailable) Unwrap() error { return e.Cause }

// ErrEmbeddingProvider wraps an embedding call failure.
type ErrEmbeddingProvider struct {
	Cause error
}

func (e *ErrEmbeddingProvider) Error() string {
	return fmt.Sprintf("llm: embedding provider failed: %v", e.Cause)
}

func (e *ErrEmbeddingProvider) Unwrap() error { return e.Cause }
