package websearch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	byQuery map[string][]Result
}

func (s *stubBackend) Discover(_ context.Context, query string) ([]Result, error) {
	return s.byQuery[query], nil
}

func TestSearchPrices_DedupesByCanonicalURLAcrossRephrasings(t *testing.T) {
	stub := &stubBackend{byQuery: map[string][]Result{
		"H100 price 2024": {
			{Title: "Vendor A", URL: "https://vendor.com/h100?utm_source=x", Snippet: "$30,000"},
		},
		"H100 cost 2024": {
			{Title: "Vendor A dup", URL: "https://vendor.com/h100?utm_campaign=y", Snippet: "$30,000"},
			{Title: "Vendor B", URL: "https://other.com/h100", Snippet: "$32,500"},
		},
	}}
	tool := New(stub, 0)

	out, err := tool.SearchPrices(context.Background(), "H100", 2024)
	require.NoError(t, err)
	assert.Contains(t, out, "Vendor A")
	assert.Contains(t, out, "Vendor B")
	assert.NotContains(t, out, "Vendor A dup")
}

func TestSearchPrices_NoResultsAcrossAllRephrasings(t *testing.T) {
	tool := New(&stubBackend{byQuery: map[string][]Result{}}, 0)
	_, err := tool.SearchPrices(context.Background(), "Nonexistent Widget", 2024)
	require.Error(t, err)
	var failed *ErrSearchFailed
	require.ErrorAs(t, err, &failed)
}

func TestSearch_FormatsTitleSnippetURL(t *testing.T) {
	stub := &stubBackend{byQuery: map[string][]Result{
		"AMD MI300 specs": {{Title: "AMD MI300", URL: "https://amd.com/mi300", Snippet: "specs here"}},
	}}
	tool := New(stub, 0)
	out, err := tool.Search(context.Background(), "AMD MI300 specs")
	require.NoError(t, err)
	assert.Equal(t, "AMD MI300 - specs here (https://amd.com/mi300)", out)
}
