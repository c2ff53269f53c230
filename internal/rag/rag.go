// Package rag implements the retrieval-augmented query service: the
// embed->retrieve(conversation-scoped)->synthesize pipeline that answers
// follow-up questions over the accumulated memory.
package rag

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/marketpulse/missioncore/internal/llm"
	"github.com/marketpulse/missioncore/internal/store"
	"github.com/marketpulse/missioncore/internal/telemetry"
)

const (
	topK = 7

	noContextAnswer = "I don't have enough context in memory to answer that question."

	minMissionRef = 1
	maxMissionRef = 999999
)

// ErrRagUnavailable is returned when either the embedding call or the
// vector store fails; it is not fatal to the caller beyond this one query.
type ErrRagUnavailable struct {
	Cause error
}

func (e *ErrRagUnavailable) Error() string {
	return fmt.Sprintf("rag: context unavailable: %v", e.Cause)
}

func (e *ErrRagUnavailable) Unwrap() error { return e.Cause }

// Embedder is the subset of the Embedding Service this service depends on.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the subset of the Vector Store Adapter this service
// depends on.
type VectorStore interface {
	Query(ctx context.Context, vector []float32, topK int, where map[string]any) (docs []string, distances []float32, metadata []map[string]any, err error)
}

// Generator is the subset of the LLM Gateway this service depends on.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error)
}

// MissionLookup resolves a mission_id to its owning conversation, used by
// the mission-reference fallback below.
type MissionLookup interface {
	GetMissionLog(ctx context.Context, id int64) (*store.MissionLog, error)
}

// Service implements Ask(question, conversation_id) -> (answer, sources).
type Service struct {
	embedder Embedder
	vstore   VectorStore
	llm      Generator
	missions MissionLookup
	tel      *telemetry.Telemetry
}

// New constructs a Service from its collaborators.
func New(embedder Embedder, vstore VectorStore, gen Generator, missions MissionLookup, tel *telemetry.Telemetry) *Service {
	return &Service{embedder: embedder, vstore: vstore, llm: gen, missions: missions, tel: tel}
}

var missionRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)mission(?:_id)?\s+#?(\d+)`),
	regexp.MustCompile(`^#(\d+)`),
	regexp.MustCompile(`(?i)mission[^\d]*(\d{1,10})`),
}

// detectMissionReference mirrors the original system's three fallback
// regular expressions, in priority order, and accepts only ids in
// 1-999999. Every pattern needs the word "mission" or a leading "#", so a
// bare year like "2024" is not matched on its own; a number that follows
// "mission", as in "mission in 2024", is still taken as a mission id.
func detectMissionReference(question string) (int64, bool) {
	for _, pattern := range missionRefPatterns {
		match := pattern.FindStringSubmatch(question)
		if len(match) < 2 {
			continue
		}
		n, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || n < minMissionRef || n > maxMissionRef {
			continue
		}
		return n, true
	}
	return 0, false
}

// resolveConversationID picks the conversation to scope retrieval to: an
// explicit missionID wins, then a best-effort detector over the question
// text, then the caller's own conversationID.
func (s *Service) resolveConversationID(ctx context.Context, conversationID int64, missionID *int64, question string) int64 {
	if missionID == nil {
		if detected, ok := detectMissionReference(question); ok {
			missionID = &detected
		}
	}
	if missionID == nil {
		return conversationID
	}
	m, err := s.missions.GetMissionLog(ctx, *missionID)
	if err != nil {
		if s.tel != nil {
			s.tel.Logger.Printf("warn: could not resolve mission %d, falling back to conversation %d: %v", *missionID, conversationID, err)
		}
		return conversationID
	}
	return m.ConversationID
}

// Ask embeds question, retrieves the top-7 conversation-scoped documents,
// and synthesizes an answer grounded in them. Every returned source
// corresponds to a chunk whose metadata conversation_id equals the resolved
// conversation; no cross-conversation documents leak in.
func (s *Service) Ask(ctx context.Context, question string, conversationID int64, missionID *int64) (answer string, sources []string, err error) {
	resolvedConvID := s.resolveConversationID(ctx, conversationID, missionID, question)

	queryVectors, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return "", nil, &ErrRagUnavailable{Cause: err}
	}
	if len(queryVectors) == 0 {
		return "", nil, &ErrRagUnavailable{Cause: fmt.Errorf("embedder returned no vector for question")}
	}

	docs, _, metadata, err := s.vstore.Query(ctx, queryVectors[0], topK, map[string]any{"conversation_id": resolvedConvID})
	if err != nil {
		return "", nil, &ErrRagUnavailable{Cause: err}
	}
	if len(docs) == 0 {
		return noContextAnswer, nil, nil
	}

	prompt := fmt.Sprintf("Based on this context, answer: %s\n\nCONTEXT:\n%s", question, strings.Join(docs, "\n---\n"))
	answer, err = s.llm.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0.2, MaxTokens: 1000})
	if err != nil {
		return "", nil, err
	}

	return answer, distinctTitles(metadata), nil
}

func distinctTitles(metadata []map[string]any) []string {
	seen := make(map[string]struct{})
	var titles []string
	for _, md := range metadata {
		title, _ := md["title"].(string)
		if title == "" {
			continue
		}
		if _, dup := seen[title]; dup {
			continue
		}
		seen[title] = struct{}{}
		titles = append(titles, title)
	}
	return titles
}
