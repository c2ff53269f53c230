// Package planner implements the Planner: it prompts the LLM for a JSON
// array of tool-call steps and extracts/validates that array out of a
// response that may contain surrounding prose, using the same bracket-depth
// scanning strategy this codebase's planning prompt-parser uses for JSON
// objects, adapted here to track a top-level array instead.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/marketpulse/missioncore/internal/telemetry"
)

// Step is one entry in a mission plan. ID is synthesized locally (the LLM
// response is never trusted to supply a stable one); the executor's trace
// records each step's tool, status and result, not this ID.
type Step struct {
	ID      string         `json:"id"`
	Step    int            `json:"step"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`
	Thought string         `json:"thought"`
}

var validTools = map[string]struct{}{
	"web_search":     {},
	"web_research":   {},
	"save_to_notion": {},
	"dispatch_email": {},
}

// Generator is the subset of the LLM Gateway the Planner depends on.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// GenerateOptions mirrors llm.GenerateOptions without importing the llm
// package, keeping the planner's dependency surface to just what it needs.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Planner produces a plan from an objective.
type Planner struct {
	llm Generator
	tel *telemetry.Telemetry
}

// New constructs a Planner.
func New(llm Generator, tel *telemetry.Telemetry) *Planner {
	return &Planner{llm: llm, tel: tel}
}

const planPromptTemplate = `You are a mission planning assistant. Produce a JSON array of steps to accomplish the research objective below. Output ONLY the JSON array, no preamble.

TOOLS AVAILABLE:
- web_search: general keyword search. args: {"query": "string"}
- web_research: scrapes a specific URL. args: {"url": "string"}
- save_to_notion: archives findings. args: {"title": "string", "content": "string"}
- dispatch_email: sends results by email. args: {"to": "string", "subject": "string", "body": "string"}

RULES:
1. The "content"/"body" arguments for save_to_notion and dispatch_email must never be empty.
2. Prefer scraping a specific URL first, then fall back to a general web_search.
3. If the objective concerns pricing, include multiple web_search steps with different phrasings of the product and end with archiving the findings.

Each step has the shape {"step": int, "tool": "<tool name>", "args": {...}, "thought": "string"}.

Objective: %s`

// Plan asks the LLM for a plan and returns the validated steps. On complete
// parse failure it returns an empty slice; the caller (Mission Executor)
// falls back to a single web_search step using the objective verbatim.
func (p *Planner) Plan(ctx context.Context, objective string) ([]Step, error) {
	prompt := fmt.Sprintf(planPromptTemplate, objective)
	response, err := p.llm.Generate(ctx, prompt, GenerateOptions{Temperature: 0.3, MaxTokens: 2000})
	if err != nil {
		return nil, err
	}

	raw := extractJSONArray(response)
	if raw == "" {
		p.tel.Logger.Printf("warn: planner could not locate a JSON array in LLM response")
		return nil, nil
	}

	var rawSteps []map[string]any
	if err := json.Unmarshal([]byte(raw), &rawSteps); err != nil {
		p.tel.Logger.Printf("warn: planner failed to parse JSON array: %v", err)
		return nil, nil
	}

	steps := make([]Step, 0, len(rawSteps))
	for i, rs := range rawSteps {
		step, ok := validateStep(rs, i+1)
		if !ok {
			p.tel.Logger.Printf("warn: dropping malformed plan step at index %d", i)
			continue
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// extractJSONArray locates the first top-level "[" and its matching "]" by
// tracking bracket depth character by character, so a JSON array embedded
// in surrounding prose is still recoverable.
func extractJSONArray(response string) string {
	start := -1
	depth := 0
	for i, ch := range response {
		switch ch {
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return response[start : i+1]
			}
		}
	}
	return ""
}

func validateStep(raw map[string]any, fallbackOrdinal int) (Step, bool) {
	tool, _ := raw["tool"].(string)
	tool = strings.TrimSpace(tool)
	if _, ok := validTools[tool]; !ok {
		return Step{}, false
	}

	args, _ := raw["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	if (tool == "save_to_notion" || tool == "dispatch_email") && isBlankArg(args, "content") && isBlankArg(args, "body") {
		return Step{}, false
	}

	ordinal := fallbackOrdinal
	if v, ok := raw["step"].(float64); ok {
		ordinal = int(v)
	}

	thought, _ := raw["thought"].(string)

	return Step{ID: uuid.NewString(), Step: ordinal, Tool: tool, Args: args, Thought: thought}, true
}

func isBlankArg(args map[string]any, key string) bool {
	v, ok := args[key].(string)
	return !ok || strings.TrimSpace(v) == ""
}
