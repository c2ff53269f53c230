// Package websearch implements the keyword Web Search Tool, including the
// price-oriented multi-rephrasing variant used by pricing missions. Backend
// selection mirrors this codebase's other pluggable-provider tools: a small
// interface plus one implementation per backend, chosen by configuration.
package websearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marketpulse/missioncore/internal/urlsafety"
)

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Backend is the minimal contract a search provider must satisfy.
type Backend interface {
	Discover(ctx context.Context, query string) ([]Result, error)
}

// priceRephrasings are the six fixed query variations issued by
// SearchPrices, in ordinal order.
var priceRephrasings = []string{
	"%s price %d",
	"%s cost %d",
	"%s pricing %d",
	"%s buy %d",
	"%s retail price %d",
	"%s MSRP %d",
}

// Tool wraps a Backend with the formatting and deduplication contract C7
// defines.
type Tool struct {
	backend Backend
	timeout time.Duration
}

// New constructs a Tool around the given Backend. timeout bounds each
// Search/SearchPrices call as a whole.
func New(backend Backend, timeout time.Duration) *Tool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Tool{backend: backend, timeout: timeout}
}

// Search issues a single keyword query and formats the result list.
func (t *Tool) Search(ctx context.Context, query string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	results, err := t.backend.Discover(ctx, query)
	if err != nil {
		return "", &ErrSearchFailed{Query: query, Cause: err}
	}
	return format(results), nil
}

// SearchPrices issues the six configured price-query rephrasings for
// product/year, deduplicates hits by canonical source URL, and concatenates
// in rephrasing order then backend-native order.
func (t *Tool) SearchPrices(ctx context.Context, product string, year int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	seen := make(map[string]struct{})
	var ordered []Result

	for _, tmpl := range priceRephrasings {
		query := fmt.Sprintf(tmpl, product, year)
		results, err := t.backend.Discover(ctx, query)
		if err != nil {
			// One rephrasing failing is not fatal to the others; the
			// pricing strategy depends on persistence across variations.
			continue
		}
		for _, r := range results {
			key, err := urlsafety.Fingerprint(r.URL)
			if err != nil {
				key = r.URL
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			ordered = append(ordered, r)
		}
	}

	if len(ordered) == 0 {
		return "", &ErrSearchFailed{Query: product, Cause: fmt.Errorf("no price results found across %d rephrasings", len(priceRephrasings))}
	}
	return format(ordered), nil
}

func format(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(r.Title)
		b.WriteString(" - ")
		b.WriteString(r.Snippet)
		b.WriteString(" (")
		b.WriteString(r.URL)
		b.WriteByte(')')
	}
	return b.String()
}

// ErrSearchFailed is the tool-level failure kind the executor treats as a
// non-fatal step failure.
type ErrSearchFailed struct {
	Query string
	Cause error
}

func (e *ErrSearchFailed) Error() string {
	return fmt.Sprintf("search failed for %q: %v", e.Query, e.Cause)
}

func (e *ErrSearchFailed) Unwrap() error { return e.Cause }
