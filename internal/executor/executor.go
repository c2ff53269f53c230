// Package executor implements the mission executor: the
// plan->act->observe->synthesize state machine that turns a research
// objective into a cited report, persisting the result into both the
// relational log and the vector store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/marketpulse/missioncore/internal/chunker"
	"github.com/marketpulse/missioncore/internal/curator"
	"github.com/marketpulse/missioncore/internal/llm"
	"github.com/marketpulse/missioncore/internal/planner"
	"github.com/marketpulse/missioncore/internal/store"
	"github.com/marketpulse/missioncore/internal/telemetry"
)

const (
	minObjectiveLen = 3
	maxObjectiveLen = 1000

	toolSummaryCap  = 150
	actionResultCap = 100

	tighterSynthesisBudget = 6000 // PayloadTooLarge retry budget; large pools land in price-summary form
)

// ErrInvalidInput is returned before any MissionLog row is created.
type ErrInvalidInput struct {
	Reason string
}

func (e *ErrInvalidInput) Error() string { return "invalid mission input: " + e.Reason }

// ErrCancelled marks a mission that was aborted via the Progress Streamer's
// cancellation signal.
type ErrCancelled struct{}

func (ErrCancelled) Error() string { return "mission cancelled" }

var dangerousSubstrings = []string{
	"<script", "javascript:", "onerror=", "onload=",
	"select *", "drop table", "union select", "insert into", "delete from", "update set",
}

// ValidateObjective applies the input checks that run before any mission
// state exists: non-empty, at least 3 chars after trimming, at most 1000
// chars untrimmed, free of a configured set of dangerous substrings.
func ValidateObjective(objective string) error {
	trimmed := strings.TrimSpace(objective)
	if len(trimmed) == 0 {
		return &ErrInvalidInput{Reason: "objective must not be empty"}
	}
	if len(trimmed) < minObjectiveLen {
		return &ErrInvalidInput{Reason: fmt.Sprintf("objective must be at least %d characters", minObjectiveLen)}
	}
	if len(objective) > maxObjectiveLen {
		return &ErrInvalidInput{Reason: fmt.Sprintf("objective exceeds maximum length of %d characters", maxObjectiveLen)}
	}
	lower := strings.ToLower(objective)
	for _, sentinel := range dangerousSubstrings {
		if strings.Contains(lower, sentinel) {
			return &ErrInvalidInput{Reason: fmt.Sprintf("objective contains a disallowed pattern: %q", sentinel)}
		}
	}
	return nil
}

var (
	priceIntentPattern = regexp.MustCompile(`(?i)\b(price|pricing|cost|msrp)\b`)
	yearPattern        = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	leadingStopwords   = regexp.MustCompile(`(?i)^(find|what is|what's|get|search for|look up)\s+`)
)

// detectPriceIntent mirrors the curator's currency-pattern predicate but
// applied to the objective's intent words rather than gathered evidence, so
// the executor can recognize a pricing mission and run SearchPrices
// proactively.
func detectPriceIntent(objective string) (product string, year int, ok bool) {
	if !priceIntentPattern.MatchString(objective) {
		return "", 0, false
	}
	year = time.Now().UTC().Year()
	if match := yearPattern.FindString(objective); match != "" {
		if y, err := strconv.Atoi(match); err == nil {
			year = y
		}
	}
	product = priceIntentPattern.ReplaceAllString(objective, "")
	product = yearPattern.ReplaceAllString(product, "")
	product = leadingStopwords.ReplaceAllString(strings.TrimSpace(product), "")
	product = strings.TrimSpace(whitespaceRun.ReplaceAllString(product, " "))
	if product == "" {
		return "", 0, false
	}
	return product, year, true
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// TraceEntry is one recorded tool/action dispatch, surfaced verbatim in the
// buffered external interface's trace field.
type TraceEntry struct {
	Tool   string
	Status string
	Result string
}

// Result is what Run returns on both success and failure paths.
type Result struct {
	MissionID      int64
	ConversationID int64
	Report         string
	Status         string
	Trace          []TraceEntry
}

// Request is one mission invocation.
type Request struct {
	ConversationID *int64
	Objective      string
}

// Observer receives execution-lifecycle callbacks. The progress streamer
// implements Observer to translate these into the ordered event stream; the
// buffered interface uses NoopObserver.
type Observer interface {
	Thinking(content string)
	Progress(step, total int)
	ToolStart(tool string, args map[string]any)
	ToolComplete(tool string, summary string, err error)
	ActionStart(action string, title string)
	ActionComplete(action string, result string, err error)
}

// MissionStarted is an optional Observer extension: implementations that
// also satisfy it learn the mission id as soon as CreateMissionLog assigns
// one, before planning begins. The Progress Streamer's durable-cancellation
// poller uses this to know which mission to watch.
type MissionStarted interface {
	OnMissionStarted(missionID int64)
}

// NoopObserver discards every callback, used by the buffered interface
// which only needs Run's return value.
type NoopObserver struct{}

func (NoopObserver) Thinking(string)                      {}
func (NoopObserver) Progress(int, int)                    {}
func (NoopObserver) ToolStart(string, map[string]any)     {}
func (NoopObserver) ToolComplete(string, string, error)   {}
func (NoopObserver) ActionStart(string, string)           {}
func (NoopObserver) ActionComplete(string, string, error) {}

// Planner produces a plan from an objective.
type Planner interface {
	Plan(ctx context.Context, objective string) ([]planner.Step, error)
}

// SearchTool is the subset of the Web Search Tool the executor depends on.
type SearchTool interface {
	Search(ctx context.Context, query string) (string, error)
	SearchPrices(ctx context.Context, product string, year int) (string, error)
}

// ScrapeTool is the subset of the Scraper Tool the executor depends on.
type ScrapeTool interface {
	Scrape(ctx context.Context, url string, conversationID int64) (string, error)
}

// ActionTool is the subset of the Action Dispatcher the executor depends on.
type ActionTool interface {
	Dispatch(ctx context.Context, action string, args map[string]any) (string, error)
}

// Generator is the subset of the LLM Gateway the executor depends on.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error)
	MaxPayloadBytes() int
}

// Embedder is the subset of the Embedding Service used at the PERSISTING
// stage to ingest the finished report.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the subset of the Vector Store Adapter used to ingest the
// finished report.
type VectorStore interface {
	Add(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadata []map[string]any) error
}

// RelationalStore is the subset of the Relational Log the executor depends
// on.
type RelationalStore interface {
	EnsureConversation(ctx context.Context, id *int64, firstInput string) (int64, error)
	CreateMissionLog(ctx context.Context, conversationID int64, query string) (int64, error)
	MarkInProgress(ctx context.Context, missionID int64) error
	CompleteMission(ctx context.Context, missionID int64, report string) error
	FailMission(ctx context.Context, missionID int64, response string) error
	AppendMessage(ctx context.Context, conversationID int64, role, content string) error
}

// Executor runs one mission at a time per call to Run; its dependencies are
// process-wide singletons safe for concurrent missions.
type Executor struct {
	planner  Planner
	search   SearchTool
	scraper  ScrapeTool
	actions  ActionTool
	llm      Generator
	embedder Embedder
	vstore   VectorStore
	rel      RelationalStore

	chunkParams chunker.Params
	tel         *telemetry.Telemetry
}

// New constructs an Executor from its collaborators.
func New(p Planner, search SearchTool, scraper ScrapeTool, actions ActionTool, gen Generator, embedder Embedder, vstore VectorStore, rel RelationalStore, tel *telemetry.Telemetry) *Executor {
	return &Executor{
		planner:     p,
		search:      search,
		scraper:     scraper,
		actions:     actions,
		llm:         gen,
		embedder:    embedder,
		vstore:      vstore,
		rel:         rel,
		chunkParams: chunker.DefaultParams(),
		tel:         tel,
	}
}

// Run executes IDLE -> ... -> DONE/FAILED for one mission. obs may be
// NoopObserver{} for the buffered interface.
func (e *Executor) Run(ctx context.Context, req Request, obs Observer) (*Result, error) {
	if err := ValidateObjective(req.Objective); err != nil {
		return nil, err
	}

	conversationID, err := e.rel.EnsureConversation(ctx, req.ConversationID, req.Objective)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	if err := e.rel.AppendMessage(ctx, conversationID, "user", req.Objective); err != nil {
		e.tel.Logger.Printf("warn: failed to append user message: %v", err)
	}

	missionID, err := e.rel.CreateMissionLog(ctx, conversationID, req.Objective)
	if err != nil {
		return nil, fmt.Errorf("create mission log: %w", err)
	}
	result := &Result{MissionID: missionID, ConversationID: conversationID}
	if starter, ok := obs.(MissionStarted); ok {
		starter.OnMissionStarted(missionID)
	}

	if err := e.rel.MarkInProgress(ctx, missionID); err != nil {
		return nil, fmt.Errorf("mark in progress: %w", err)
	}

	// PLANNING
	if ctx.Err() != nil {
		return e.fail(missionID, result, ErrCancelled{})
	}
	obs.Thinking("planning research steps for: " + req.Objective)
	plan, planErr := e.planner.Plan(ctx, req.Objective)
	if planErr != nil {
		e.tel.Logger.Printf("warn: planner failed, falling back to a single web_search step: %v", planErr)
	}
	researchSteps, actionSteps := splitPlan(plan)
	if len(researchSteps) == 0 && len(actionSteps) == 0 {
		researchSteps = []planner.Step{{Tool: "web_search", Args: map[string]any{"query": req.Objective}, Thought: "fallback: empty or unparsable plan"}}
	}

	totalSteps := 2 + len(researchSteps) + 2 + len(actionSteps)
	stepN := 0
	advance := func() {
		stepN++
		obs.Progress(stepN, totalSteps)
	}
	advance() // plan

	// RESEARCHING
	advance() // intro
	pool := curator.New(e.llm.MaxPayloadBytes())
	for _, step := range researchSteps {
		if ctx.Err() != nil {
			return e.fail(missionID, result, ErrCancelled{})
		}
		e.runResearchStep(ctx, step, conversationID, pool, obs, result)
		advance()
	}

	if ctx.Err() != nil {
		return e.fail(missionID, result, ErrCancelled{})
	}
	if product, year, ok := detectPriceIntent(req.Objective); ok && !pool.HasPriceBearing() {
		e.runPriceSearch(ctx, product, year, pool, obs, result)
	}

	// SYNTHESIZING
	if ctx.Err() != nil {
		return e.fail(missionID, result, ErrCancelled{})
	}
	advance() // synthesis
	report, err := e.synthesize(ctx, req.Objective, pool)
	if err != nil {
		return e.fail(missionID, result, err)
	}
	advance() // transition into ACTING

	// ACTING
	for _, step := range actionSteps {
		if ctx.Err() != nil {
			return e.fail(missionID, result, ErrCancelled{})
		}
		e.runActionStep(ctx, step, obs, result)
		advance()
	}

	// PERSISTING
	result.Report = report
	result.Status = store.StatusCompleted
	if err := e.rel.AppendMessage(ctx, conversationID, "assistant", report); err != nil {
		e.tel.Logger.Printf("warn: failed to append assistant message: %v", err)
	}
	if err := e.rel.CompleteMission(ctx, missionID, report); err != nil {
		return nil, fmt.Errorf("complete mission: %w", err)
	}
	e.ingestReport(ctx, missionID, conversationID, report)

	return result, nil
}

func splitPlan(steps []planner.Step) (research, actions []planner.Step) {
	for _, s := range steps {
		switch s.Tool {
		case "web_search", "web_research":
			research = append(research, s)
		case "save_to_notion", "dispatch_email":
			actions = append(actions, s)
		}
	}
	return research, actions
}

func (e *Executor) runResearchStep(ctx context.Context, step planner.Step, conversationID int64, pool *curator.Pool, obs Observer, result *Result) {
	obs.ToolStart(step.Tool, step.Args)

	var (
		content string
		ref     string
		err     error
	)
	switch step.Tool {
	case "web_search":
		query, _ := step.Args["query"].(string)
		if strings.TrimSpace(query) == "" {
			query = step.Thought
		}
		ref = query
		content, err = e.search.Search(ctx, query)
	case "web_research":
		url, _ := step.Args["url"].(string)
		ref = url
		content, err = e.scraper.Scrape(ctx, url, conversationID)
	default:
		err = fmt.Errorf("unsupported research tool %q", step.Tool)
	}

	if err != nil {
		obs.ToolComplete(step.Tool, "", err)
		result.Trace = append(result.Trace, TraceEntry{Tool: step.Tool, Status: "failed", Result: err.Error()})
		return
	}

	pool.Append(curator.Record{SourceTool: step.Tool, QueryOrURL: ref, Content: content})
	summary := truncate(content, toolSummaryCap)
	obs.ToolComplete(step.Tool, summary, nil)
	result.Trace = append(result.Trace, TraceEntry{Tool: step.Tool, Status: "ok", Result: summary})
}

func (e *Executor) runPriceSearch(ctx context.Context, product string, year int, pool *curator.Pool, obs Observer, result *Result) {
	obs.ToolStart("search_prices", map[string]any{"product": product, "year": year})
	content, err := e.search.SearchPrices(ctx, product, year)
	if err != nil {
		obs.ToolComplete("search_prices", "", err)
		result.Trace = append(result.Trace, TraceEntry{Tool: "search_prices", Status: "failed", Result: err.Error()})
		return
	}
	pool.Append(curator.Record{SourceTool: "search_prices", QueryOrURL: product, Content: content})
	summary := truncate(content, toolSummaryCap)
	obs.ToolComplete("search_prices", summary, nil)
	result.Trace = append(result.Trace, TraceEntry{Tool: "search_prices", Status: "ok", Result: summary})
}

// dispatchAction translates a plan-level tool name into the dispatcher's
// action vocabulary.
var dispatchAction = map[string]string{
	"save_to_notion": "save_to_external_notebook",
	"dispatch_email": "dispatch_email",
}

func (e *Executor) runActionStep(ctx context.Context, step planner.Step, obs Observer, result *Result) {
	title := actionTitle(step.Args)
	obs.ActionStart(step.Tool, title)
	action, ok := dispatchAction[step.Tool]
	if !ok {
		action = step.Tool
	}
	out, err := e.actions.Dispatch(ctx, action, step.Args)
	summary := truncate(out, actionResultCap)
	obs.ActionComplete(step.Tool, summary, err)
	status := "ok"
	res := summary
	if err != nil {
		status = "failed"
		res = err.Error()
	}
	result.Trace = append(result.Trace, TraceEntry{Tool: step.Tool, Status: status, Result: res})
}

func actionTitle(args map[string]any) string {
	if t, ok := args["title"].(string); ok && t != "" {
		return t
	}
	if s, ok := args["subject"].(string); ok && s != "" {
		return s
	}
	if to, ok := args["to"].(string); ok && to != "" {
		return "email to " + to
	}
	return ""
}

// synthesize calls the LLM Gateway with the curated evidence. On
// PayloadTooLarge it re-materializes the pool with a tighter budget and
// retries once. The tighter budget does not select price-summary form by
// itself: the pool lands in that form only when its price records overflow
// the budget even at the curator's truncation floor.
func (e *Executor) synthesize(ctx context.Context, objective string, pool *curator.Pool) (string, error) {
	evidence, err := pool.Materialize()
	if err != nil {
		return "", err
	}
	report, err := e.llm.Generate(ctx, synthesisPrompt(objective, evidence), llm.GenerateOptions{Temperature: 0.4, MaxTokens: 3000})
	if err == nil {
		return report, nil
	}

	var payloadErr *llm.ErrPayloadTooLarge
	if !errors.As(err, &payloadErr) {
		return "", err
	}

	tighter := pool.WithBudget(tighterSynthesisBudget)
	evidence, merr := tighter.Materialize()
	if merr != nil {
		return "", merr
	}
	return e.llm.Generate(ctx, synthesisPrompt(objective, evidence), llm.GenerateOptions{Temperature: 0.4, MaxTokens: 3000})
}

func synthesisPrompt(objective, evidence string) string {
	return fmt.Sprintf("You are a market-intelligence analyst. Using only the evidence below, write a cited report answering this objective.\n\nOBJECTIVE: %s\n\nEVIDENCE:\n%s", objective, evidence)
}

// ingestReport chunks, embeds, and stores the finished report. A
// vector-store failure here is a warning, not a mission failure: the
// relational log remains the authoritative copy of the report.
func (e *Executor) ingestReport(ctx context.Context, missionID, conversationID int64, report string) {
	title := fmt.Sprintf("mission-%d", missionID)
	chunks := chunker.Split(title, report, e.chunkParams)
	if len(chunks) == 0 {
		return
	}

	texts := make([]string, len(chunks))
	ids := make([]string, len(chunks))
	metadata := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
		ids[i] = c.ID
		metadata[i] = map[string]any{
			"conversation_id": conversationID,
			"title":           title,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		}
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		e.tel.Logger.Printf("warn: report ingestion embed failed for mission %d: %v", missionID, err)
		return
	}
	if err := e.vstore.Add(ctx, ids, vectors, texts, metadata); err != nil {
		e.tel.Logger.Printf("warn: report ingestion store failed for mission %d: %v", missionID, err)
	}
}

// fail persists the FAILED terminal status against a background context
// (the mission's own context may already be cancelled) and returns the
// original cause.
func (e *Executor) fail(missionID int64, result *Result, cause error) (*Result, error) {
	response := cause.Error()
	if err := e.rel.FailMission(context.Background(), missionID, response); err != nil {
		e.tel.Logger.Printf("warn: failed to persist FAILED status for mission %d: %v", missionID, err)
	}
	result.Status = store.StatusFailed
	result.Report = response
	return result, cause
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
