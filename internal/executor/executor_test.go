package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/missioncore/internal/llm"
	"github.com/marketpulse/missioncore/internal/planner"
	"github.com/marketpulse/missioncore/internal/store"
	"github.com/marketpulse/missioncore/internal/telemetry"
)

type fakePlanner struct {
	steps []planner.Step
	err   error
}

func (f fakePlanner) Plan(context.Context, string) ([]planner.Step, error) { return f.steps, f.err }

type fakeSearch struct {
	results map[string]string
}

func (f fakeSearch) Search(_ context.Context, query string) (string, error) {
	if out, ok := f.results[query]; ok {
		return out, nil
	}
	return "no price listed", nil
}

func (f fakeSearch) SearchPrices(context.Context, string, int) (string, error) {
	return "$30,000 and $32,500", nil
}

type fakeScraper struct{}

func (fakeScraper) Scrape(context.Context, string, int64) (string, error) { return "scraped text", nil }

type fakeActions struct {
	calls   int
	actions []string
}

func (f *fakeActions) Dispatch(_ context.Context, action string, _ map[string]any) (string, error) {
	f.calls++
	f.actions = append(f.actions, action)
	return "dispatched", nil
}

type fakeGenerator struct {
	report     string
	maxPayload int
	err        error
}

func (f fakeGenerator) Generate(context.Context, string, llm.GenerateOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.report, nil
}

func (f fakeGenerator) MaxPayloadBytes() int {
	if f.maxPayload == 0 {
		return 28 * 1024
	}
	return f.maxPayload
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeVectorStore struct{ added int }

func (f *fakeVectorStore) Add(context.Context, []string, [][]float32, []string, []map[string]any) error {
	f.added++
	return nil
}

type fakeRelStore struct {
	nextConversationID int64
	nextMissionID      int64
	status             string
	response           string
}

func (f *fakeRelStore) EnsureConversation(context.Context, *int64, string) (int64, error) {
	return f.nextConversationID, nil
}

func (f *fakeRelStore) CreateMissionLog(context.Context, int64, string) (int64, error) {
	f.status = store.StatusPending
	return f.nextMissionID, nil
}

func (f *fakeRelStore) MarkInProgress(context.Context, int64) error {
	f.status = store.StatusInProgress
	return nil
}

func (f *fakeRelStore) CompleteMission(_ context.Context, _ int64, report string) error {
	f.status = store.StatusCompleted
	f.response = report
	return nil
}

func (f *fakeRelStore) FailMission(_ context.Context, _ int64, response string) error {
	f.status = store.StatusFailed
	f.response = response
	return nil
}

func (f *fakeRelStore) AppendMessage(context.Context, int64, string, string) error { return nil }

func newTestExecutor(t *testing.T, p Planner, gen fakeGenerator, rel *fakeRelStore) *Executor {
	t.Helper()
	return New(p, fakeSearch{results: map[string]string{
		"NVIDIA H100 GPU pricing": "page1 $30,000\npage2 $32,500\npage3 no price listed",
	}}, fakeScraper{}, &fakeActions{}, gen, fakeEmbedder{}, &fakeVectorStore{}, rel, telemetry.New("TEST"))
}

func TestRun_PriceMissionCompletes(t *testing.T) {
	rel := &fakeRelStore{nextConversationID: 1, nextMissionID: 1}
	p := fakePlanner{steps: []planner.Step{
		{Tool: "web_search", Args: map[string]any{"query": "NVIDIA H100 GPU pricing"}},
	}}
	gen := fakeGenerator{report: "The H100 costs $30,000 to $32,500."}
	exec := newTestExecutor(t, p, gen, rel)

	result, err := exec.Run(context.Background(), Request{Objective: "Find NVIDIA H100 GPU pricing 2024"}, NoopObserver{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)
	assert.Contains(t, result.Report, "$30,000")
	assert.Equal(t, store.StatusCompleted, rel.status)

	foundSearch := false
	for _, tr := range result.Trace {
		if tr.Tool == "web_search" {
			foundSearch = true
		}
	}
	assert.True(t, foundSearch)
}

func TestRun_EmptyPlanFallsBackToSingleWebSearch(t *testing.T) {
	rel := &fakeRelStore{nextConversationID: 1, nextMissionID: 2}
	p := fakePlanner{steps: nil}
	gen := fakeGenerator{report: "AMD MI300 is a data-center accelerator."}
	exec := newTestExecutor(t, p, gen, rel)

	result, err := exec.Run(context.Background(), Request{Objective: "Summarize AMD MI300 specs"}, NoopObserver{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)
	assert.NotEmpty(t, result.Report)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "web_search", result.Trace[0].Tool)
}

func TestRun_InvalidObjectiveRejectedBeforeMissionLog(t *testing.T) {
	rel := &fakeRelStore{nextConversationID: 1, nextMissionID: 3}
	exec := newTestExecutor(t, fakePlanner{}, fakeGenerator{}, rel)

	_, err := exec.Run(context.Background(), Request{Objective: "X"}, NoopObserver{})
	var invalid *ErrInvalidInput
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "", rel.status)
}

func TestRun_CancellationFailsMission(t *testing.T) {
	rel := &fakeRelStore{nextConversationID: 1, nextMissionID: 4}
	p := fakePlanner{steps: []planner.Step{{Tool: "web_search", Args: map[string]any{"query": "x"}}}}
	exec := newTestExecutor(t, p, fakeGenerator{report: "report"}, rel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := exec.Run(ctx, Request{Objective: "Find NVIDIA H100 GPU pricing 2024"}, NoopObserver{})
	require.Error(t, err)
	var cancelled ErrCancelled
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, store.StatusFailed, result.Status)
	assert.Equal(t, store.StatusFailed, rel.status)
}

func TestRun_NotionPlanStepDispatchesNotebookAction(t *testing.T) {
	rel := &fakeRelStore{nextConversationID: 1, nextMissionID: 5}
	acts := &fakeActions{}
	p := fakePlanner{steps: []planner.Step{
		{Tool: "web_search", Args: map[string]any{"query": "x"}},
		{Tool: "save_to_notion", Args: map[string]any{"title": "t", "content": "c"}},
	}}
	exec := New(p, fakeSearch{}, fakeScraper{}, acts, fakeGenerator{report: "report"}, fakeEmbedder{}, &fakeVectorStore{}, rel, telemetry.New("TEST"))

	result, err := exec.Run(context.Background(), Request{Objective: "Summarize AMD MI300 specs"}, NoopObserver{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, result.Status)
	require.Equal(t, []string{"save_to_external_notebook"}, acts.actions)
}

func TestDetectPriceIntent(t *testing.T) {
	product, year, ok := detectPriceIntent("Find NVIDIA H100 GPU pricing 2024")
	require.True(t, ok)
	assert.Equal(t, 2024, year)
	assert.Contains(t, product, "NVIDIA H100 GPU")

	_, _, ok = detectPriceIntent("Summarize AMD MI300 specs")
	assert.False(t, ok)
}
