// Package chunker implements the deterministic text segmentation used
// before embedding and vector storage. Chunking is pure: identical input and
// parameters always produce identical output, so re-ingestion is idempotent
// once chunk IDs are derived from a stable key rather than a random one.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Params controls the splitter.
type Params struct {
	ChunkSize int
	Overlap   int
}

// DefaultParams matches the sizes used by the document-ingestion path.
func DefaultParams() Params {
	return Params{ChunkSize: 1000, Overlap: 200}
}

// Chunk is one ordered, addressable slice of the source text.
type Chunk struct {
	ID      string
	Ordinal int
	Text    string
}

// Split segments text into overlapping chunks according to params. Boundaries
// are chosen on rune positions so multi-byte text is never split mid-rune.
func Split(title, text string, params Params) []Chunk {
	if params.ChunkSize <= 0 {
		params = DefaultParams()
	}
	if params.Overlap >= params.ChunkSize {
		params.Overlap = params.ChunkSize / 2
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	step := params.ChunkSize - params.Overlap
	for start, ordinal := 0, 0; start < len(runes); start += step {
		end := start + params.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunkText := strings.TrimSpace(string(runes[start:end]))
		if chunkText != "" {
			chunks = append(chunks, Chunk{
				ID:      ID(title, ordinal),
				Ordinal: ordinal,
				Text:    chunkText,
			})
			ordinal++
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// ID derives a stable chunk identity from (title, ordinal), so re-chunking
// the same document produces the same chunk IDs rather than fresh UUIDs.
func ID(title string, ordinal int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", title, ordinal)))
	return hex.EncodeToString(sum[:16])
}
