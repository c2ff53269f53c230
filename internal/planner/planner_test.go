package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/missioncore/internal/telemetry"
)

type stubGenerator struct {
	response string
	err      error
}

func (s stubGenerator) Generate(context.Context, string, GenerateOptions) (string, error) {
	return s.response, s.err
}

func TestExtractJSONArray_RobustToSurroundingProse(t *testing.T) {
	raw := "Sure, here is the plan:\n[{\"step\":1,\"tool\":\"web_search\",\"args\":{\"query\":\"x\"},\"thought\":\"t\"}]\nLet me know if you need changes."
	extracted := extractJSONArray(raw)
	assert.Equal(t, `[{"step":1,"tool":"web_search","args":{"query":"x"},"thought":"t"}]`, extracted)
}

func TestExtractJSONArray_NoArrayReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", extractJSONArray("no json here at all"))
}

func TestPlan_DropsMalformedStepsKeepsValidOnes(t *testing.T) {
	response := `[
		{"step": 1, "tool": "web_search", "args": {"query": "H100 price"}, "thought": "look it up"},
		{"step": 2, "tool": "not_a_real_tool", "args": {}, "thought": "bad"},
		{"step": 3, "tool": "save_to_notion", "args": {"title": "x", "content": ""}, "thought": "missing content"}
	]`
	p := New(stubGenerator{response: response}, telemetry.New("PLANNER_TEST"))

	steps, err := p.Plan(context.Background(), "find H100 pricing")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "web_search", steps[0].Tool)
}

func TestPlan_CompleteParseFailureReturnsEmptyPlan(t *testing.T) {
	p := New(stubGenerator{response: "not json at all"}, telemetry.New("PLANNER_TEST"))
	steps, err := p.Plan(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, steps)
}
