// Package embedding implements the fixed-dimension vector generation
// service used both for document ingestion and for RAG queries. It is a
// thin wrapper over the LLM Gateway's Embed call, the same shape as this
// codebase's other thin tool wrappers over a provider.
package embedding

import (
	"context"
	"fmt"

	"github.com/marketpulse/missioncore/internal/llm"
)

// Embedder is the subset of the LLM Gateway this service depends on.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingDimension() int
}

// Service enforces that every vector it returns matches the process-wide
// dimension D declared at construction time.
type Service struct {
	embedder  Embedder
	dimension int
}

// New builds a Service bound to the given Embedder. dimension is the
// process-wide D; a mismatch at runtime is reported, never silently
// tolerated, since mixing dimensions within one process is a programming
// error per the embedding contract.
func New(embedder Embedder, dimension int) *Service {
	return &Service{embedder: embedder, dimension: dimension}
}

// Embed produces vectors for texts, failing with a wrapped
// llm.ErrEmbeddingProvider on upstream failure or dimension mismatch.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, &llm.ErrEmbeddingProvider{Cause: err}
	}
	for _, v := range vectors {
		if s.dimension > 0 && len(v) != s.dimension {
			return nil, &llm.ErrEmbeddingProvider{
				Cause: fmt.Errorf("embedding dimension mismatch: got %d want %d", len(v), s.dimension),
			}
		}
	}
	return vectors, nil
}

// Dimension returns the process-wide D this service enforces.
func (s *Service) Dimension() int { return s.dimension }
